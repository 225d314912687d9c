package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"ticket-client/internal/handlers"
	"ticket-client/internal/orchestrator"
	"ticket-client/internal/services/settlement"
	"ticket-client/internal/status"
	"ticket-client/models"
	"ticket-client/security"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) loginCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:         "login",
		Short:       "Sign in and persist the session",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipRestore: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			name, password, err := p.credentials(username)
			if err != nil {
				return err
			}
			id, err := a.session.Login(cmd.Context(), name, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", id.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:         "register",
		Short:       "Create an account and sign in",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipRestore: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			name, password, err := p.credentials(username)
			if err != nil {
				return err
			}
			id, err := a.session.Register(cmd.Context(), name, password)
			if errors.Is(err, status.ErrRegisteredNotLoggedIn) {
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s created; sign in with `ticket-client login`\n", name)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered and signed in as %s\n", id.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.session.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.session.Identity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", id.Username, id.ID)
			return nil
		},
	}
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := a.bookings.ListEvents(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "ID", "NAME", "DATE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", ev.ID, ev.Name, ev.EventDate.Local().Format(timeLayout))
			}
			return w.Flush()
		},
	}
}

func (a *app) ticketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets <event-id>",
		Short: "List ticket categories on sale for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offers, err := a.bookings.ListTickets(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "ID", "CATEGORY", "PRICE", "QUOTA")
			for _, t := range offers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.ID, t.Category, money(t.Price.StringFixed(2)), t.Quota)
			}
			return w.Flush()
		},
	}
}

func (a *app) bookingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bookings",
		Short: "List your bookings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bookings, err := a.bookings.ListBookings(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "ID", "EVENT", "QTY", "TOTAL", "STATUS", "EXPIRES")
			for _, b := range bookings {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", b.ID, b.EventID, b.Quantity,
					money(b.TotalAmount.StringFixed(2)), b.Status, formatTime(b.ExpiredAt))
			}
			return w.Flush()
		},
	}
}

func (a *app) bookingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "booking <booking-id>",
		Short: "Show one booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bookings.GetBooking(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBooking(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func (a *app) paymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payments",
		Short: "List your payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payments, err := a.payments.ListPayments(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout(), "ID", "BOOKING", "AMOUNT", "METHOD", "STATUS")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n", p.ID, p.BookingID,
					p.Amount.StringFixed(2), p.Currency, p.PaymentMethod, p.Status)
			}
			return w.Flush()
		},
	}
}

func (a *app) paymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payment <payment-id>",
		Short: "Show one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.payments.GetPayment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPayment(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func (a *app) buyCmd() *cobra.Command {
	var (
		quantity int
		method   string
	)
	cmd := &cobra.Command{
		Use:   "buy <event-id> <ticket-id>",
		Short: "Reserve tickets, pay for them and wait for settlement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			eventID, ticketID := args[0], args[1]

			m, err := parseMethod(method)
			if err != nil {
				return err
			}

			offer, err := a.bookings.GetTicket(ctx, ticketID)
			if err != nil {
				return err
			}
			if offer.EventID != "" && offer.EventID != eventID {
				return fmt.Errorf("buy: ticket %s is not sold for event %s", ticketID, eventID)
			}

			source, stop, err := a.settlementSource(ctx)
			if err != nil {
				return err
			}
			defer stop()
			orch := a.orchestrator(source)
			defer func() {
				// Nothing to resume before a payment exists.
				if st := orch.State(); st != orchestrator.PaymentCreated && !st.Terminal() {
					orch.Abandon()
				}
			}()

			booking, err := orch.BeginBooking(ctx, eventID, *offer, quantity)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Reserved %d x %s, total %s, pay before %s\n",
				booking.Quantity, offer.Category, money(booking.TotalAmount.StringFixed(2)), formatTime(booking.ExpiredAt))

			if err := orch.SelectPaymentMethod(m); err != nil {
				return err
			}
			payment, err := orch.CreatePayment(ctx, booking.TotalAmount)
			if err != nil {
				return err
			}
			printPayment(out, payment)

			return a.await(ctx, out, orch)
		},
	}
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 1, "number of tickets")
	cmd.Flags().StringVarP(&method, "method", "m", string(models.MethodVirtualAccount), "payment method: VA, EWALLET or QRIS")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <booking-id> [payment-id]",
		Short: "Pick up a purchase from the server's view of its booking and payment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			var paymentID string
			if len(args) == 2 {
				paymentID = args[1]
			}

			source, stop, err := a.settlementSource(ctx)
			if err != nil {
				return err
			}
			defer stop()
			orch := a.orchestrator(source)

			attempt, err := orch.Reconcile(ctx, args[0], paymentID)
			if err != nil {
				if attempt.State.Terminal() {
					fmt.Fprintf(out, "%s: %s\n", attempt.State, attempt.Reason)
				}
				return err
			}

			switch attempt.State {
			case orchestrator.Confirmed:
				fmt.Fprintf(out, "%s: %s\n", attempt.State, attempt.Reason)
				return nil
			case orchestrator.Booked:
				fmt.Fprintf(out, "Booking %s is reserved until %s; pay with `ticket-client buy` or the payment service\n",
					attempt.Booking.ID, formatTime(attempt.Booking.ExpiredAt))
				return nil
			}
			return a.await(ctx, out, orch)
		},
	}
}

// await blocks on settlement and prints the outcome. An interrupt leaves the
// attempt resumable.
func (a *app) await(ctx context.Context, out io.Writer, orch *orchestrator.Orchestrator) error {
	fmt.Fprintln(out, "Waiting for settlement...")

	attempt, err := orch.AwaitSettlement(ctx)
	if err != nil && ctx.Err() != nil && orch.State() == orchestrator.PaymentCreated {
		fmt.Fprintf(out, "Interrupted. Resume with: ticket-client resume %s %s\n",
			attempt.Booking.ID, attempt.Payment.ID)
		return nil
	}
	if attempt.State.Terminal() {
		fmt.Fprintf(out, "%s: %s\n", attempt.State, attempt.Reason)
	}
	return err
}

func (a *app) simulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <payment-id> <PAID|FAILED|EXPIRED>",
		Short: "Post a gateway callback for a payment (development only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Environment != "development" {
				return fmt.Errorf("simulate: only available when ENVIRONMENT=development")
			}
			st := models.PaymentStatus(strings.ToUpper(args[1]))
			if err := a.payments.SimulateGatewayCallback(cmd.Context(), args[0], st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gateway callback sent: %s -> %s\n", args[0], st)
			return nil
		},
	}
}

func (a *app) webhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "webhook",
		Short:       "Run the settlement webhook receiver",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipRestore: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			hub := settlement.NewHub(a.logger)
			return serveUntilDone(cmd.Context(), a.webhookServer(cmd.Context(), hub), a.logger)
		},
	}
}

func (a *app) orchestrator(source settlement.Source) *orchestrator.Orchestrator {
	return orchestrator.New(a.bookings, a.payments, a.session, source,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMonitor(a.monitor),
		orchestrator.WithReserveTimeout(a.cfg.ReserveTimeout),
		orchestrator.WithClockSkew(a.cfg.ClockSkew),
	)
}

// settlementSource builds the configured source. stop releases whatever it
// started and is safe to call once.
func (a *app) settlementSource(ctx context.Context) (settlement.Source, func(), error) {
	switch a.cfg.SettlementSource {
	case "pubnub":
		pn, err := settlement.NewPubNub(settlement.PubNubConfig{
			SubscribeKey:  a.cfg.PubNubSubscribeKey,
			UUID:          a.cfg.PubNubUUID,
			ChannelPrefix: a.cfg.PubNubChannelPrefix,
			CipherKey:     a.cfg.PubNubCipherKey,
		}, a.logger)
		if err != nil {
			return nil, nil, err
		}
		runCtx, cancel := context.WithCancel(ctx)
		go pn.Run(runCtx)
		return pn, func() {
			cancel()
			pn.Close()
		}, nil

	case "webhook":
		hub := settlement.NewHub(a.logger)
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := serveUntilDone(srvCtx, a.webhookServer(srvCtx, hub), a.logger); err != nil {
				a.logger.Error("webhook receiver stopped", zap.Error(err))
			}
		}()
		return hub, func() {
			cancel()
			<-done
		}, nil

	default:
		return settlement.NewPoller(a.payments, a.cfg.SettlementPollInterval, a.logger), func() {}, nil
	}
}

func (a *app) webhookServer(ctx context.Context, hub *settlement.Hub) *http.Server {
	e := echo.New()
	rdb := a.optionalRedis(ctx)

	var mw []echo.MiddlewareFunc
	if rdb != nil {
		mw = append(mw, security.NewRateLimiter(rdb, int64(a.cfg.WebhookRateLimit), time.Minute, a.logger).Middleware())
	}
	mw = append(mw, security.VerifySignature([]byte(a.cfg.WebhookSecret)))
	if rdb != nil {
		mw = append(mw, security.NewReplayGuard(rdb, a.cfg.WebhookReplayTTL, a.logger).Middleware())
	}
	if a.cfg.WebhookSecret == "" {
		a.logger.Warn("WEBHOOK_SECRET is empty, settlement callbacks are not authenticated")
	}

	handlers.NewSettlementHandler(hub, rdb, a.logger).Register(e, mw...)

	return &http.Server{
		Addr:              a.cfg.WebhookAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func parseMethod(s string) (models.PaymentMethod, error) {
	m := models.PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", status.ErrInvalidPaymentMethod, s)
	}
	return m, nil
}

// prompter reads credentials. Passwords are read without echo on a terminal
// and as a plain line otherwise.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(cmd *cobra.Command) *prompter {
	p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr(), fd: -1}
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		p.fd = int(f.Fd())
		p.tty = term.IsTerminal(p.fd)
	}
	return p
}

func (p *prompter) credentials(username string) (string, string, error) {
	if username == "" {
		fmt.Fprint(p.out, "Username: ")
		line, err := p.line()
		if err != nil {
			return "", "", err
		}
		username = line
	}

	fmt.Fprint(p.out, "Password: ")
	var password string
	if p.tty {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		password = string(b)
	} else {
		line, err := p.line()
		if err != nil {
			return "", "", err
		}
		password = line
	}

	if username == "" || password == "" {
		return "", "", fmt.Errorf("username and password are required")
	}
	return username, password, nil
}

func (p *prompter) line() (string, error) {
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func newTable(out io.Writer, headers ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return w
}

func printBooking(out io.Writer, b *models.Booking) {
	fmt.Fprintf(out, "Booking  %s\n", b.ID)
	fmt.Fprintf(out, "Event    %s\n", b.EventID)
	fmt.Fprintf(out, "Ticket   %s x %d\n", b.TicketID, b.Quantity)
	fmt.Fprintf(out, "Total    %s\n", money(b.TotalAmount.StringFixed(2)))
	fmt.Fprintf(out, "Status   %s\n", b.Status)
	fmt.Fprintf(out, "Expires  %s\n", formatTime(b.ExpiredAt))
}

func printPayment(out io.Writer, p *models.Payment) {
	currency := p.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}
	fmt.Fprintf(out, "Payment  %s\n", p.ID)
	fmt.Fprintf(out, "Booking  %s\n", p.BookingID)
	fmt.Fprintf(out, "Amount   %s %s\n", p.Amount.StringFixed(2), currency)
	fmt.Fprintf(out, "Method   %s\n", p.PaymentMethod)
	fmt.Fprintf(out, "Status   %s\n", p.Status)
	fmt.Fprintf(out, "Expires  %s\n", formatTime(p.ExpiredAt))
}

func money(amount string) string {
	return amount + " " + models.DefaultCurrency
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
