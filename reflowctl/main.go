package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/reflowhq/reflow/reflow"
)

const ReflowCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Reflow control.

The default api urls are:
    live: %s
    test: %s
Settings are read from the config file and the REFLOW_* environment,
then from the options.

Usage:
    reflowctl signin [options]
    reflowctl register [options]
    reflowctl signout [options]
    reflowctl whoami [options]
    reflowctl token [options]
    reflowctl refresh [options]
    reflowctl update-user [options] [--name=<name>] [--email=<email>] [--photo=<photo>]
    reflowctl subscribe [options] --price_id=<price_id>
    reflowctl billing [options]
    reflowctl cart show [options]
    reflowctl cart add [options] <product_id> [--variant_id=<variant_id>] [--quantity=<quantity>]
    reflowctl cart update [options] <line_item_id> <quantity>
    reflowctl cart remove [options] <line_item_id>
    reflowctl cart discount [options] <code> [--remove]
    reflowctl cart delivery [options] <method>
    reflowctl cart address [options] --country=<country> [--name=<name>] [--address=<address>] [--city=<city>] [--state=<state>] [--postcode=<postcode>]
    reflowctl cart tax-exemption [options] [--vat_number=<vat_number>] [--file=<file>] [--country=<country>] [--remove]
    reflowctl cart checkout [options] --provider=<provider> [--email=<email>]
    reflowctl watch [options]
    reflowctl relay [options] [--listen=<listen>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Config file, toml, yaml or json.
    --api_url=<api_url>
    --project_id=<project_id>
    --store_id=<store_id>
    --test                     Use the test mode api.
    --timeout=<timeout>        How long to wait for a popup flow [default: 10m].
    --name=<name>
    --email=<email>
    --photo=<photo>            Profile photo file.
    --price_id=<price_id>
    --variant_id=<variant_id>
    --quantity=<quantity>      [default: 1]
    --remove                   Remove the code or exemption instead of applying it.
    --country=<country>        Two letter country code.
    --address=<address>
    --city=<city>
    --state=<state>
    --postcode=<postcode>
    --vat_number=<vat_number>
    --file=<file>              Tax exemption certificate.
    --provider=<provider>      Payment provider, e.g. stripe, paypal, pay-in-store.
    --listen=<listen>          Relay listen address.`,
		reflow.DefaultApiUrl,
		reflow.DefaultTestApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReflowCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if cart_, _ := opts.Bool("cart"); cart_ {
		if show_, _ := opts.Bool("show"); show_ {
			run(ctx, opts, cartShow)
		} else if add_, _ := opts.Bool("add"); add_ {
			run(ctx, opts, cartAdd)
		} else if update_, _ := opts.Bool("update"); update_ {
			run(ctx, opts, cartUpdate)
		} else if remove_, _ := opts.Bool("remove"); remove_ {
			run(ctx, opts, cartRemove)
		} else if discount_, _ := opts.Bool("discount"); discount_ {
			run(ctx, opts, cartDiscount)
		} else if delivery_, _ := opts.Bool("delivery"); delivery_ {
			run(ctx, opts, cartDelivery)
		} else if checkout_, _ := opts.Bool("checkout"); checkout_ {
			run(ctx, opts, cartCheckout)
		} else if address_, _ := opts.Bool("address"); address_ {
			run(ctx, opts, cartAddress)
		} else if taxExemption_, _ := opts.Bool("tax-exemption"); taxExemption_ {
			run(ctx, opts, cartTaxExemption)
		}
	} else if signin_, _ := opts.Bool("signin"); signin_ {
		run(ctx, opts, signin)
	} else if register_, _ := opts.Bool("register"); register_ {
		run(ctx, opts, register)
	} else if signout_, _ := opts.Bool("signout"); signout_ {
		run(ctx, opts, signout)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		run(ctx, opts, whoami)
	} else if token_, _ := opts.Bool("token"); token_ {
		run(ctx, opts, token)
	} else if refresh_, _ := opts.Bool("refresh"); refresh_ {
		run(ctx, opts, refresh)
	} else if updateUser_, _ := opts.Bool("update-user"); updateUser_ {
		run(ctx, opts, updateUser)
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		run(ctx, opts, subscribe)
	} else if billing_, _ := opts.Bool("billing"); billing_ {
		run(ctx, opts, billing)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		run(ctx, opts, watch)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		relay(ctx, opts)
	}
}

// per command state
type session struct {
	ctx      context.Context
	opts     docopt.Opts
	config   *reflow.Config
	api      *reflow.Api
	host     *reflow.LoopbackHost
	registry *reflow.Registry
}

func run(ctx context.Context, opts docopt.Opts, command func(*session) error) {
	s, closeSession, err := newSession(ctx, opts)
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	err = command(s)
	closeSession()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
}

func newSession(ctx context.Context, opts docopt.Opts) (*session, func(), error) {
	configPath, _ := opts.String("--config")
	config, err := reflow.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if projectId, err := opts.String("--project_id"); err == nil && projectId != "" {
		config.ProjectId = projectId
	}
	if storeId, err := opts.String("--store_id"); err == nil && storeId != "" {
		config.StoreId = storeId
	}
	if test, _ := opts.Bool("--test"); test {
		config.TestMode = true
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	env, closeEnv, err := config.OpenEnvironment()
	if err != nil {
		return nil, nil, err
	}

	hostSettings := reflow.DefaultLoopbackHostSettings()
	if len(config.Popup.OpenCommand) != 0 {
		hostSettings.OpenCommand = config.Popup.OpenCommand
	}
	hostSettings.PrintUrl = func(url string) {
		Out.Printf("Open in your browser: %s", url)
	}
	host, err := reflow.NewLoopbackHost(ctx, hostSettings)
	if err != nil {
		closeEnv()
		return nil, nil, err
	}
	env.Host = host

	api := reflow.NewApi(config.EffectiveApiUrl())
	registry := reflow.NewRegistry(ctx, api, env, config.AuthSettings(), config.CartSettings())

	s := &session{
		ctx:      ctx,
		opts:     opts,
		config:   config,
		api:      api,
		host:     host,
		registry: registry,
	}
	closeSession := func() {
		registry.Close()
		host.Close()
		closeEnv()
	}
	return s, closeSession, nil
}

func (self *session) timeout() time.Duration {
	if timeoutStr, err := self.opts.String("--timeout"); err == nil {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			return timeout
		}
	}
	return 10 * time.Minute
}

func (self *session) auth() (*reflow.Auth, func(), error) {
	if self.config.ProjectId == "" {
		return nil, nil, errors.New("No project id. Set project_id, REFLOW_PROJECT_ID or --project_id.")
	}
	auth := self.registry.AcquireAuth(self.config.ProjectId)
	return auth, func() {
		self.registry.ReleaseAuth(self.config.ProjectId)
	}, nil
}

// the cart of the store, owned by the signed in user when a project is configured
func (self *session) cart() (*reflow.Cart, func(), error) {
	if self.config.StoreId == "" {
		return nil, nil, errors.New("No store id. Set store_id, REFLOW_STORE_ID or --store_id.")
	}
	cart := self.registry.AcquireCart(self.config.StoreId)
	release := func() {
		self.registry.ReleaseCart(self.config.StoreId)
	}
	if self.config.ProjectId != "" {
		auth := self.registry.AcquireAuth(self.config.ProjectId)
		cart.SetAuthorizer(auth)
		releaseCart := release
		release = func() {
			releaseCart()
			self.registry.ReleaseAuth(self.config.ProjectId)
		}
	}
	return cart, release, nil
}

// the user returning to the terminal is the opener regaining focus
func (self *session) refocusOnEnter() {
	Out.Printf("Press enter after finishing in the browser.")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			self.host.Refocus()
		}
	}()
}

func printJson(v any) {
	var out []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	Out.Printf("%s", out)
}

func signin(s *session) error {
	return startSignIn(s, false)
}

func register(s *session) error {
	return startSignIn(s, true)
}

func startSignIn(s *session, isRegister bool) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	var flow *reflow.AuthFlow
	if isRegister {
		flow, err = auth.Register(s.ctx, nil)
	} else {
		flow, err = auth.SignIn(s.ctx, nil)
	}
	if errors.Is(err, reflow.ErrSignedIn) {
		Out.Printf("Already signed in.")
		printJson(auth.User())
		return nil
	}
	if err != nil {
		return err
	}
	s.refocusOnEnter()

	waitCtx, cancel := context.WithTimeout(s.ctx, s.timeout())
	defer cancel()
	if !flow.Wait(waitCtx) {
		return errors.New("Sign in did not complete.")
	}
	printJson(map[string]any{
		"user":  auth.User(),
		"isNew": auth.IsNew(),
	})
	return nil
}

func signout(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	signedOut, err := auth.SignOut(s.ctx)
	if err != nil {
		return err
	}
	if signedOut {
		Out.Printf("Signed out.")
	} else {
		Out.Printf("Not signed in.")
	}
	return nil
}

func whoami(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	if _, err := auth.RefreshIfStale(s.ctx); err != nil {
		Err.Printf("refresh error = %s", err)
	}
	printJson(map[string]any{
		"signedIn":     auth.IsSignedIn(),
		"user":         auth.User(),
		"subscription": auth.Subscription(),
		"isNew":        auth.IsNew(),
	})
	return nil
}

func token(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	bearerToken, err := auth.GetToken(s.ctx)
	if err != nil {
		return err
	}
	if bearerToken == "" {
		return reflow.ErrNotSignedIn
	}
	Out.Printf("%s", bearerToken)
	return nil
}

func refresh(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	change, err := auth.Refresh(s.ctx)
	if err != nil {
		return err
	}
	printJson(change)
	return nil
}

func updateUser(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	update := &reflow.UserUpdate{}
	if name, err := s.opts.String("--name"); err == nil && name != "" {
		update.Name = &name
	}
	if email, err := s.opts.String("--email"); err == nil && email != "" {
		update.Email = &email
	}
	if photoPath, err := s.opts.String("--photo"); err == nil && photoPath != "" {
		update.Photo, err = readFormFile(photoPath)
		if err != nil {
			return err
		}
	}

	result, err := auth.UpdateUser(s.ctx, update)
	if err != nil {
		var apiErr *reflow.ApiError
		if errors.As(err, &apiErr) && reflow.IsValidationError(err) {
			printJson(apiErr.FieldErrors())
		}
		return err
	}
	printJson(result)
	if result.PendingEmailVerification {
		Out.Printf("Confirm the new email address, then press enter.")
		s.refocusOnEnter()
		waitCtx, cancel := context.WithTimeout(s.ctx, s.timeout())
		defer cancel()
		modified := make(chan struct{}, 1)
		unsub := reflow.Listen(auth.Events(), func(event reflow.ModifyEvent) {
			select {
			case modified <- struct{}{}:
			default:
			}
		})
		defer unsub()
		select {
		case <-waitCtx.Done():
		case <-modified:
			printJson(auth.User())
		}
	}
	return nil
}

func subscribe(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	priceId, err := s.opts.Int("--price_id")
	if err != nil {
		return fmt.Errorf("Invalid price id: %w", err)
	}
	flow, err := auth.Subscribe(s.ctx, &reflow.SubscribeOptions{
		PriceId: int64(priceId),
	})
	if err != nil {
		return err
	}
	s.refocusOnEnter()

	waitCtx, cancel := context.WithTimeout(s.ctx, s.timeout())
	defer cancel()
	if !flow.Wait(waitCtx) {
		return errors.New("Subscription did not complete.")
	}
	printJson(auth.Subscription())
	return nil
}

func billing(s *session) error {
	auth, release, err := s.auth()
	if err != nil {
		return err
	}
	defer release()

	flow, err := auth.ManageSubscription(s.ctx)
	if err != nil {
		return err
	}
	s.refocusOnEnter()

	waitCtx, cancel := context.WithTimeout(s.ctx, s.timeout())
	defer cancel()
	flow.Wait(waitCtx)
	printJson(auth.Subscription())
	return nil
}

func cartShow(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	state, err := cart.Refresh(s.ctx)
	if err != nil {
		return err
	}
	printJson(map[string]any{
		"state":                  state,
		"validDeliveryMethods":   state.ValidDeliveryMethods(),
		"selectedLocation":       state.Location(),
		"selectedShippingMethod": state.ShippingMethod(),
	})
	return nil
}

// prints the quick result, then runs the pending full refresh before exit
func readFormFile(path string) (*reflow.FormFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	return &reflow.FormFile{
		FileName:    filepath.Base(path),
		ContentType: contentType,
		Content:     content,
	}, nil
}

// the address options, or nil when no country is given
func addressOption(s *session) *reflow.Address {
	country, _ := s.opts.String("--country")
	if country == "" {
		return nil
	}
	address := &reflow.Address{
		Country: country,
	}
	address.Name, _ = s.opts.String("--name")
	address.Address, _ = s.opts.String("--address")
	address.City, _ = s.opts.String("--city")
	address.State, _ = s.opts.String("--state")
	address.Postcode, _ = s.opts.String("--postcode")
	return address
}

func printMutation(cart *reflow.Cart, mutation *reflow.CartMutation) {
	printJson(mutation)
	cart.Debouncer().Flush()
}

func cartAdd(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	productId, err := strconv.ParseInt(s.opts["<product_id>"].(string), 10, 64)
	if err != nil {
		return fmt.Errorf("Invalid product id: %w", err)
	}
	options := &reflow.AddProductOptions{
		ProductId: productId,
		Quantity:  1,
	}
	if variantIdStr, err := s.opts.String("--variant_id"); err == nil && variantIdStr != "" {
		variantId, err := strconv.ParseInt(variantIdStr, 10, 64)
		if err != nil {
			return fmt.Errorf("Invalid variant id: %w", err)
		}
		options.VariantId = variantId
	}
	if quantity, err := s.opts.Int("--quantity"); err == nil {
		options.Quantity = quantity
	}

	mutation, err := cart.AddProduct(s.ctx, options)
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartUpdate(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	lineItemId := s.opts["<line_item_id>"].(string)
	quantity, err := strconv.Atoi(s.opts["<quantity>"].(string))
	if err != nil {
		return fmt.Errorf("Invalid quantity: %w", err)
	}
	mutation, err := cart.UpdateLineItemQuantity(s.ctx, lineItemId, quantity)
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartRemove(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	mutation, err := cart.RemoveLineItem(s.ctx, s.opts["<line_item_id>"].(string))
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartDiscount(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	code := s.opts["<code>"].(string)
	var mutation *reflow.CartMutation
	if remove, _ := s.opts.Bool("--remove"); remove {
		mutation, err = cart.RemoveDiscountCode(s.ctx, code)
	} else {
		mutation, err = cart.ApplyDiscountCode(s.ctx, code)
	}
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartDelivery(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	if _, err := cart.Refresh(s.ctx); err != nil {
		return err
	}
	method := reflow.DeliveryMethod(s.opts["<method>"].(string))
	if !cart.SetDeliveryMethod(method) {
		return fmt.Errorf("Delivery method %s is not available, valid methods are %v.", method, cart.State().ValidDeliveryMethods())
	}
	Out.Printf("Delivery method %s.", cart.DeliveryMethod())
	return nil
}

func cartAddress(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	mutation, err := cart.UpdateAddress(s.ctx, &reflow.AddressUpdate{
		Address: addressOption(s),
	})
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartTaxExemption(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	var mutation *reflow.CartMutation
	if remove, _ := s.opts.Bool("--remove"); remove {
		mutation, err = cart.RemoveTaxExemption(s.ctx)
	} else {
		update := &reflow.TaxExemptionUpdate{
			Address: addressOption(s),
		}
		update.VatNumber, _ = s.opts.String("--vat_number")
		if path, err := s.opts.String("--file"); err == nil && path != "" {
			update.ExemptionFile, err = readFormFile(path)
			if err != nil {
				return err
			}
		}
		mutation, err = cart.UpdateTaxExemption(s.ctx, update)
	}
	if err != nil {
		return err
	}
	printMutation(cart, mutation)
	return nil
}

func cartCheckout(s *session) error {
	cart, release, err := s.cart()
	if err != nil {
		return err
	}
	defer release()

	if _, err := cart.Refresh(s.ctx); err != nil {
		return err
	}
	options := &reflow.CheckoutOptions{}
	options.PaymentProvider, _ = s.opts.String("--provider")
	if email, err := s.opts.String("--email"); err == nil {
		options.Email = email
	}

	flow, err := cart.Checkout(s.ctx, options)
	if err != nil {
		var apiErr *reflow.ApiError
		if errors.As(err, &apiErr) && reflow.IsValidationError(err) {
			printJson(apiErr.FieldErrors())
		}
		return err
	}
	if !flow.Completed() {
		s.refocusOnEnter()
		waitCtx, cancel := context.WithTimeout(s.ctx, s.timeout())
		defer cancel()
		if !flow.Wait(waitCtx) {
			return errors.New("Checkout did not complete.")
		}
	}
	printJson(map[string]any{
		"orderId": flow.OrderId(),
	})
	return nil
}

var watchedEventKinds = []reflow.EventKind{
	reflow.EventChange,
	reflow.EventSignin,
	reflow.EventSignout,
	reflow.EventRegister,
	reflow.EventModify,
	reflow.EventSubscribe,
	reflow.EventProductAdded,
	reflow.EventLineItemUpdated,
	reflow.EventLineItemRemoved,
	reflow.EventAddressUpdated,
	reflow.EventDeliveryMethodChanged,
	reflow.EventLocationChanged,
	reflow.EventShippingMethodChanged,
	reflow.EventDiscountCodeAdded,
	reflow.EventDiscountCodeRemoved,
	reflow.EventTaxExemptionUpdated,
	reflow.EventTaxExemptionRemoved,
	reflow.EventCheckoutCompleted,
	reflow.EventCartReset,
}

// prints the events of the project and store until interrupted, including other processes' changes
func watch(s *session) error {
	printer := func(entity string) *reflow.ListenerFunc {
		return reflow.NewListener(func(event reflow.Event) {
			Out.Printf("%s %s %s %+v", time.Now().Format(time.RFC3339), entity, event.Kind(), event)
		})
	}

	watching := false
	if s.config.ProjectId != "" {
		auth, release, err := s.auth()
		if err != nil {
			return err
		}
		defer release()
		listener := printer("auth")
		for _, kind := range watchedEventKinds {
			auth.Events().On(kind, listener)
		}
		watching = true
	}
	if s.config.StoreId != "" {
		cart, release, err := s.cart()
		if err != nil {
			return err
		}
		defer release()
		listener := printer("cart")
		for _, kind := range watchedEventKinds {
			cart.Events().On(kind, listener)
		}
		watching = true
	}
	if !watching {
		return errors.New("Nothing to watch. Set a project id or a store id.")
	}

	<-s.ctx.Done()
	return nil
}

// runs the websocket relay for the websocket bus
func relay(ctx context.Context, opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := reflow.LoadConfig(configPath)
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	listenAddr := config.Relay.ListenAddr
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		listenAddr = listen
	}

	mux := http.NewServeMux()
	mux.Handle("/bus", reflow.NewBusRelayWithDefaults())
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	Out.Printf("Relay on ws://%s/bus", listenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Printf("relay error: %s", err)
		os.Exit(1)
	}
}
