// Command x402 publishes, pays and watches x402 JPYC payment requests from the
// command line.
//
// Settings come from an optional YAML file (-config), then X402_* environment
// variables, then flags. A .env file in the working directory is loaded first
// when present.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpyc-labs/x402-go/pkg/config"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/payment"
	"github.com/jpyc-labs/x402-go/pkg/request"
	"github.com/jpyc-labs/x402-go/pkg/sdk"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

const usage = `usage: x402 <command> [flags]

commands:
  request    build a payment request and print its pay URL
  decode     decode a pay URL or encoded request
  authorize  sign an authorization and print the X-PAYMENT header
  pay        authorize and execute a request
  execute    relay a signed X-PAYMENT header
  watch      wait for a transfer satisfying a request
  networks   list registered networks
  health     check network RPC endpoints
`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, args []string, stdout io.Writer) error

// usageError marks failures that exit with status 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// helpRequested carries the flag listing printed for -h.
type helpRequested struct{ text string }

func (e helpRequested) Error() string { return flag.ErrHelp.Error() }

func (e helpRequested) Unwrap() error { return flag.ErrHelp }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	commands := map[string]command{
		"request":   cmdRequest,
		"decode":    cmdDecode,
		"authorize": cmdAuthorize,
		"pay":       cmdPay,
		"execute":   cmdExecute,
		"watch":     cmdWatch,
		"networks":  cmdNetworks,
		"health":    cmdHealth,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}

	err := cmd(ctx, args[1:], stdout)
	var ue usageError
	var help helpRequested
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &help):
		fmt.Fprint(stderr, help.text)
		return exitOK
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, ue.msg)
		return exitUsage
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		if k := model.KindOf(err); k != "" {
			fmt.Fprintf(stderr, "kind: %s (retryable: %t)\n", k, model.Retryable(err))
		}
		return exitFail
	}
}

// globals are the flags shared by every command.
type globals struct {
	configPath string
	network    string
	rpc        string
	debug      bool
}

func newFlagSet(name string) (*flag.FlagSet, *globals) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	g := &globals{}
	fs.StringVar(&g.configPath, "config", "", "YAML config file")
	fs.StringVar(&g.network, "network", "", "network key (overrides config)")
	fs.StringVar(&g.rpc, "rpc", "", "RPC endpoint (overrides registry)")
	fs.BoolVar(&g.debug, "debug", false, "verbose logging")
	return fs, g
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			var b strings.Builder
			fmt.Fprintf(&b, "usage: x402 %s [flags]\n\nflags:\n", fs.Name())
			fs.SetOutput(&b)
			fs.PrintDefaults()
			fs.SetOutput(io.Discard)
			return helpRequested{text: b.String()}
		}
		return usageError{msg: err.Error()}
	}
	return nil
}

func (g *globals) core() (*sdk.Core, error) {
	cfg := &config.Config{}
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(g.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if g.network != "" {
		cfg.Network = g.network
	}
	if g.rpc != "" {
		cfg.RPCAddr = g.rpc
	}
	if g.debug {
		cfg.Debug = true
	}
	return sdk.NewSDK(cfg)
}

// requestArg decodes the single positional pay URL or encoded request.
func requestArg(c *sdk.Core, fs *flag.FlagSet) (model.PaymentRequirements, error) {
	if fs.NArg() != 1 {
		return model.PaymentRequirements{}, usageError{msg: fs.Name() + ": expected one pay URL or encoded request"}
	}
	req, err := c.DecodeRequest(fs.Arg(0))
	if err != nil {
		return model.PaymentRequirements{}, err
	}
	return *req, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdRequest(_ context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("request")
	var in request.MerchantInput
	fs.StringVar(&in.PayTo, "pay-to", "", "merchant address")
	fs.StringVar(&in.Amount, "amount", "", "amount in token units, e.g. 100 or 1.5")
	fs.StringVar(&in.Asset, "asset", "", "token address (defaults to the network's only asset)")
	fs.StringVar(&in.Resource, "resource", "", "resource id (defaults to a fresh urn)")
	fs.StringVar(&in.Description, "description", "", "description shown to the payer")
	fs.Int64Var(&in.MaxTimeoutSeconds, "timeout", 0, "authorization validity in seconds")
	asJSON := fs.Bool("json", false, "print the requirements as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	if in.PayTo == "" || in.Amount == "" {
		return usageError{msg: "request: -pay-to and -amount are required"}
	}

	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, url, err := c.NewRequest(in)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(stdout, req)
	}
	_, err = fmt.Fprintln(stdout, url)
	return err
}

func cmdDecode(_ context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("decode")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, err := requestArg(c, fs)
	if err != nil {
		return err
	}
	return printJSON(stdout, req)
}

func cmdAuthorize(ctx context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("authorize")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, err := requestArg(c, fs)
	if err != nil {
		return err
	}
	payload, err := c.Authorize(ctx, req)
	if err != nil {
		return err
	}
	header, err := payment.EncodePaymentHeader(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, header)
	return err
}

func cmdPay(ctx context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("pay")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, err := requestArg(c, fs)
	if err != nil {
		return err
	}
	receipt, err := c.Pay(ctx, req)
	if err != nil {
		return err
	}
	return printReceipt(c, stdout, receipt)
}

func cmdExecute(ctx context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("execute")
	header := fs.String("payment", "", "X-PAYMENT header value to relay")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *header == "" {
		return usageError{msg: "execute: -payment is required"}
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, err := requestArg(c, fs)
	if err != nil {
		return err
	}
	payload, err := payment.DecodePaymentHeader(*header)
	if err != nil {
		return err
	}
	receipt, err := c.Execute(ctx, req, payload)
	if err != nil {
		return err
	}
	return printReceipt(c, stdout, receipt)
}

func printReceipt(c *sdk.Core, w io.Writer, r *payment.Receipt) error {
	fmt.Fprintf(w, "tx:       %s\n", r.TxHash.Hex())
	fmt.Fprintf(w, "block:    %d\n", r.BlockNumber)
	fmt.Fprintf(w, "strategy: %s\n", r.Strategy)
	fmt.Fprintf(w, "payer:    %s\n", r.Payer.Hex())
	if n, err := c.Registry().NetworkConfig(r.Network); err == nil {
		if link := n.TxURL(r.TxHash.Hex()); link != "" {
			fmt.Fprintf(w, "explorer: %s\n", link)
		}
	}
	return nil
}

func cmdWatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("watch")
	var opts sdk.WatchOptions
	fs.StringVar(&opts.Tolerance, "tolerance", "", "accepted absolute difference in token units")
	fs.DurationVar(&opts.MaxDuration, "max-duration", 10*time.Minute, "give up after this long")
	fs.IntVar(&opts.MaxFailures, "max-failures", 0, "stop after this many consecutive failed polls")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()
	req, err := requestArg(c, fs)
	if err != nil {
		return err
	}
	sub, err := c.Watch(ctx, req, opts)
	if err != nil {
		return err
	}
	defer sub.Cancel()
	m, err := sub.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "tx:     %s\n", m.TxHash.Hex())
	fmt.Fprintf(stdout, "block:  %d\n", m.BlockNumber)
	fmt.Fprintf(stdout, "from:   %s\n", m.From.Hex())
	fmt.Fprintf(stdout, "amount: %s\n", m.Amount)
	return nil
}

func cmdNetworks(_ context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("networks")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()

	reg := c.Registry()
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCHAIN ID\tNAME\tTESTNET\tASSETS")
	for _, key := range reg.Networks() {
		n, err := reg.NetworkConfig(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n", key, n.ChainID, n.Name, n.IsTestnet,
			strings.Join(reg.AssetsForNetwork(key), ","))
	}
	return tw.Flush()
}

func cmdHealth(ctx context.Context, args []string, stdout io.Writer) error {
	fs, g := newFlagSet("health")
	if err := parse(fs, args); err != nil {
		return err
	}
	c, err := g.core()
	if err != nil {
		return err
	}
	defer c.Close()

	var failed int
	for _, h := range c.Health(ctx, fs.Args()...) {
		if !h.Healthy() {
			failed++
			fmt.Fprintf(stdout, "%-16s FAIL  %v\n", h.Network, h.Err)
			continue
		}
		fmt.Fprintf(stdout, "%-16s ok    chain %d  block %d  %s\n", h.Network, h.ChainID, h.Block, h.Latency.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d network(s) unhealthy", failed)
	}
	return nil
}
