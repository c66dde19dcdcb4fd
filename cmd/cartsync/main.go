package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hanko-field/cartsync/internal/cart"
	"github.com/hanko-field/cartsync/internal/platform/config"
	"github.com/hanko-field/cartsync/internal/platform/httpx"
	"github.com/hanko-field/cartsync/internal/platform/observability"
	"github.com/hanko-field/cartsync/internal/platform/secrets"
	"github.com/hanko-field/cartsync/internal/storage"
)

const usage = `usage: cartsync [flags] <command> [args]

commands:
  show                         print the current cart
  watch                        print every cart adopted until interrupted
  add-item -type T -data JSON  add a line item
  set-email [address]          set the cart email; no address clears it
  checkout                     check out the cart
`

func main() {
	var (
		envFile string
		lang    string
	)
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file with CARTSYNC_* overrides")
	flag.StringVar(&lang, "lang", "en", "language used to format totals")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, envFile, lang, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cartsync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile, lang, command string, args []string) error {
	envValues, err := config.EnvironmentValues(config.WithEnvFile(envFile))
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	logger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("cartsync")
	ctx = observability.WithLogger(ctx, logger)

	opts := []config.Option{config.WithEnvFile(envFile)}
	if config.HasSecretReferences(envValues) {
		resolver, err := secrets.NewResolver(ctx,
			secrets.WithProject(secretProject(envValues)),
			secrets.WithLogger(logger.Named("secrets")),
		)
		if err != nil {
			return fmt.Errorf("initialise secret resolver: %w", err)
		}
		defer func() {
			if err := resolver.Close(); err != nil {
				logger.Warn("secret resolver close error", zap.Error(err))
			}
		}()
		opts = append(opts, config.WithSecretResolver(resolver))
	}

	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Error("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	stores := newBackends(cfg, logger)
	defer stores.Close()
	store, err := stores.store(ctx)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Storage.Store, err)
	}
	notifier, err := stores.notifier(ctx)
	if err != nil {
		return fmt.Errorf("open notifier %s: %w", cfg.Storage.Notifier, err)
	}
	slot, err := storage.NewSlot(storage.SlotDeps{
		Key:      cfg.Storage.SlotKey(),
		Store:    store,
		Notifier: notifier,
		Logger:   logger.Named("slot"),
	})
	if err != nil {
		return err
	}

	client, err := cart.NewClient(ctx, cart.ClientDeps{
		Endpoint: cfg.Client.Endpoint,
		HTTP: httpx.NewClient(httpx.ClientDeps{
			HTTPClient: &http.Client{Timeout: cfg.Client.RequestTimeout},
			CSRFToken:  cfg.Client.CSRFToken,
			Logger:     logger.Named("http"),
		}),
		Slot:   slot,
		Logger: logger.Named("cart"),
	})
	if err != nil {
		return err
	}
	s := &session{
		client:  client,
		p:       message.NewPrinter(language.Make(lang)),
		timeout: cfg.Client.ShutdownTimeout,
		logger:  logger,
	}
	defer s.close()

	switch command {
	case "show":
		if client.Cart() == nil {
			return errors.New("no cart loaded")
		}
		s.printCart(client.Cart())
		return nil
	case "watch":
		return s.watch(ctx)
	case "add-item":
		return s.addItem(ctx, args)
	case "set-email":
		var email *string
		if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
			value := strings.TrimSpace(args[0])
			email = &value
		}
		resp, err := client.SetEmail(ctx, email)
		return s.report(resp, err)
	case "checkout":
		resp, err := client.Checkout(ctx)
		return s.report(resp, err)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

type session struct {
	client  *cart.Client
	p       *message.Printer
	timeout time.Duration
	logger  *zap.Logger
}

func (s *session) addItem(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-item", flag.ContinueOnError)
	typ := fs.String("type", "", "server-side item type")
	data := fs.String("data", "{}", "item data as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*typ) == "" {
		return errors.New("add-item: -type is required")
	}
	if !json.Valid([]byte(*data)) {
		return errors.New("add-item: -data must be JSON")
	}
	resp, err := s.client.AddItem(ctx, *typ, json.RawMessage(*data))
	return s.report(resp, err)
}

func (s *session) watch(ctx context.Context) error {
	id := s.client.AddListener(s.printCart)
	defer s.client.RemoveListener(id)
	if current := s.client.Cart(); current != nil {
		s.printCart(current)
	}
	<-ctx.Done()
	return nil
}

// report prints the mutation outcome, then waits for the follow-up refetch and prints
// the resulting cart.
func (s *session) report(resp json.RawMessage, err error) error {
	if err != nil {
		if apiErr, ok := httpx.AsAPIError(err); ok && len(apiErr.Data) > 0 {
			fmt.Fprintf(os.Stderr, "%s\n", apiErr.Data)
		}
		return err
	}
	if len(resp) > 0 {
		fmt.Printf("%s\n", resp)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.client.Flush(ctx); err != nil {
		s.logger.Warn("cart refetch did not finish", zap.Error(err))
	}
	if current := s.client.Cart(); current != nil {
		s.printCart(current)
	}
	return nil
}

// close lets background refetches and queued notifications finish, bounded by the
// shutdown timeout.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.client.Shutdown(ctx); err != nil {
		s.logger.Warn("cart client close error", zap.Error(err))
	}
}

func (s *session) shutdownTimeout() time.Duration {
	if s.timeout <= 0 {
		return 5 * time.Second
	}
	return s.timeout
}

func (s *session) printCart(c *cart.Cart) {
	p := s.p
	p.Printf("cart updated %s\n", c.UpdatedTime().Format(time.RFC3339))
	for _, item := range c.Items() {
		p.Printf("  %-24s %s\n", item.Type(), s.amount(item.Total()))
	}
	if addr := c.SelectedAddress(); addr != nil {
		p.Printf("  deliver to %s\n", addr.Data())
	}
	if pm := c.SelectedPaymentMethod(); pm != nil {
		p.Printf("  pay with %s\n", pm.Type())
	}
	for _, adj := range c.Adjustments() {
		p.Printf("  adjustment %s\n", adj.Type())
	}
	if email, ok := c.Email(); ok {
		p.Printf("  email %s\n", email)
	}
	p.Printf("total %s (%d items)\n", s.amount(c.GrandTotal()), len(c.Items()))
	if !c.IsComplete() {
		p.Printf("incomplete: %s\n", c.IncompleteReasons())
	}
}

func (s *session) amount(decimal string) string {
	value, err := strconv.ParseFloat(decimal, 64)
	if err != nil {
		return decimal
	}
	return s.p.Sprintf("%.2f", value)
}

func secretProject(values map[string]string) string {
	for _, key := range []string{"CARTSYNC_SECRETS_PROJECT_ID", "CARTSYNC_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}
