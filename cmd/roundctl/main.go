package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fundround/cmd/internal/secret"
)

const (
	defaultEndpoint = "http://127.0.0.1:7090"
	tokenEnv        = "ROUNDCTL_TOKEN"
	endpointEnv     = "ROUNDCTL_ENDPOINT"
)

type command struct {
	usage string
	run   func(ctx context.Context, c *client, args []string) (any, error)
}

var commands = map[string]command{
	"rounds":      {usage: "rounds", run: runRounds},
	"round":       {usage: "round <number>", run: runRound},
	"open-round":  {usage: "open-round --currency USD --price 10.00 --shares 100000", run: runOpenRound},
	"close-round": {usage: "close-round <number>", run: runCloseRound},
	"status":      {usage: "status <investment-id>", run: runStatus},
	"refund":      {usage: "refund <investment-id> --reason text", run: runRefund},
	"reviews":     {usage: "reviews [--state open|approved|rejected]", run: runReviews},
	"resolve":     {usage: "resolve <review-id> --action confirm|dismiss [--note text]", run: runResolve},
	"unmatched":   {usage: "unmatched", run: runUnmatched},
	"assign":      {usage: "assign <wire-id> <investment-id>", run: runAssign},
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, secret.NewSource(tokenEnv, "admin token")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type tokenSource interface {
	Get() (string, error)
}

func run(ctx context.Context, args []string, out io.Writer, tokens tokenSource) error {
	global := flag.NewFlagSet("roundctl", flag.ContinueOnError)
	global.SetOutput(out)
	endpoint := global.String("endpoint", envOr(endpointEnv, defaultEndpoint), "roundd base URL")
	operator := global.String("operator", os.Getenv("USER"), "operator name recorded on admin actions")
	timeout := global.Duration("timeout", 15*time.Second, "request timeout")
	global.Usage = func() { usage(out) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(out)
		return errors.New("command required")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", rest[0])
	}
	token, err := tokens.Get()
	if err != nil {
		return err
	}
	c := newClient(*endpoint, token, *operator, *timeout)
	result, err := cmd.run(ctx, c, rest[1:])
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: roundctl [--endpoint URL] [--operator NAME] <command> [args]")
	fmt.Fprintln(out, "Commands:")
	for _, name := range []string{"rounds", "round", "open-round", "close-round", "status", "refund", "reviews", "resolve", "unmatched", "assign"} {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
}

func runRounds(ctx context.Context, c *client, _ []string) (any, error) {
	return c.do(ctx, "GET", "/api/v1/admin/rounds", nil)
}

func runRound(ctx context.Context, c *client, args []string) (any, error) {
	number, err := roundArg(args)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "GET", "/api/v1/admin/rounds/"+number, nil)
}

func runOpenRound(ctx context.Context, c *client, args []string) (any, error) {
	fs := flag.NewFlagSet("open-round", flag.ContinueOnError)
	currency := fs.String("currency", "", "ISO currency code")
	price := fs.String("price", "", "price per share")
	shares := fs.String("shares", "", "shares offered")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *currency == "" || *price == "" || *shares == "" {
		return nil, errors.New("--currency, --price and --shares are required")
	}
	body := map[string]string{
		"currency":    strings.ToUpper(*currency),
		"sharePrice":  *price,
		"totalShares": *shares,
	}
	return c.do(ctx, "POST", "/api/v1/admin/rounds", body)
}

func runCloseRound(ctx context.Context, c *client, args []string) (any, error) {
	number, err := roundArg(args)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "POST", "/api/v1/admin/rounds/"+number+"/close", nil)
}

func runStatus(ctx context.Context, c *client, args []string) (any, error) {
	if len(args) != 1 {
		return nil, errors.New("investment id required")
	}
	return c.do(ctx, "GET", "/api/v1/investments/"+args[0], nil)
}

func runRefund(ctx context.Context, c *client, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("investment id required")
	}
	fs := flag.NewFlagSet("refund", flag.ContinueOnError)
	reason := fs.String("reason", "", "refund reason")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*reason) == "" {
		return nil, errors.New("--reason is required")
	}
	return c.do(ctx, "POST", "/api/v1/admin/investments/"+args[0]+"/refund", map[string]string{"reason": *reason})
}

func runReviews(ctx context.Context, c *client, args []string) (any, error) {
	fs := flag.NewFlagSet("reviews", flag.ContinueOnError)
	state := fs.String("state", "open", "review state")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c.do(ctx, "GET", "/api/v1/admin/reviews?state="+*state, nil)
}

func runResolve(ctx context.Context, c *client, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("review id required")
	}
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	action := fs.String("action", "", "confirm or dismiss")
	note := fs.String("note", "", "note stored with the decision")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	switch *action {
	case "confirm", "dismiss":
	default:
		return nil, fmt.Errorf("--action must be confirm or dismiss, got %q", *action)
	}
	body := map[string]string{"action": *action, "note": *note, "operator": c.operator}
	return c.do(ctx, "POST", "/api/v1/admin/reviews/"+args[0]+"/resolve", body)
}

func runUnmatched(ctx context.Context, c *client, _ []string) (any, error) {
	return c.do(ctx, "GET", "/api/v1/admin/bank/unmatched", nil)
}

func runAssign(ctx context.Context, c *client, args []string) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("wire id and investment id required")
	}
	return c.do(ctx, "POST", "/api/v1/admin/bank/unmatched/"+args[0]+"/assign", map[string]string{"investmentId": args[1]})
}

func roundArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("round number required")
	}
	if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
		return "", fmt.Errorf("invalid round number %q", args[0])
	}
	return args[0], nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
