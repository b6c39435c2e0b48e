// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flyhookctl drives the flyhookd command channel: attaching
// clients, installing rules, tearing down resources, and inspecting the
// daemon. It must run with access to the daemon's unix socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/dispatch"
)

func main() {
	socket := flag.String("socket", "", "daemon socket path (default "+channel.DefaultSocketPath+")")
	timeout := flag.Duration("timeout", 30*time.Second, "overall command timeout")
	raw := flag.Bool("json", false, "print raw JSON replies")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cli, err := channel.Dial(*socket)
	if err != nil {
		fail(err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runCommand(ctx, cli, args[0], args[1:], *raw); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "flyhookctl: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: flyhookctl [flags] <command> [args]

Commands:
  ping [message]             check the channel round trip
  version                    daemon version and pending commands
  hooks                      list configured hook points
  resources                  list live resources
  attach                     attach a client to a hook point
  detach                     detach a client from a resource
  add-rules                  install rules on a resource
  delete                     tear down a resource
  drain                      wait for cleanup lists to empty
  cancel                     request cancellation of an async command
  register-provider <name>   register a backend provider
  deregister-provider <name> run down a provider

Flags:
`)
	flag.PrintDefaults()
}

func runCommand(ctx context.Context, cli *channel.Client, name string, args []string, raw bool) error {
	switch name {
	case "ping":
		return cmdPing(ctx, cli, args)
	case "version":
		return cmdVersion(ctx, cli, raw)
	case "hooks":
		return cmdHooks(ctx, cli, raw)
	case "resources":
		return cmdResources(ctx, cli, raw)
	case "attach":
		return cmdAttach(ctx, cli, args, raw)
	case "detach":
		return cmdDetach(ctx, cli, args)
	case "add-rules":
		return cmdAddRules(ctx, cli, args, raw)
	case "delete":
		return cmdDelete(ctx, cli, args)
	case "drain":
		return cmdDrain(ctx, cli, args, raw)
	case "cancel":
		return cmdCancel(ctx, cli, args)
	case "register-provider":
		return cmdProvider(ctx, cli, dispatch.CmdRegisterProvider, args, raw)
	case "deregister-provider":
		return cmdProvider(ctx, cli, dispatch.CmdDeregisterProvider, args, raw)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// do marshals req, runs cmd, and decodes the reply into out when non-nil.
func do(ctx context.Context, cli *channel.Client, cmd dispatch.Command, req, out any) ([]byte, error) {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return nil, err
		}
	}
	reply, err := cli.Do(ctx, cmd, payload, 0)
	if err != nil {
		return nil, err
	}
	if out != nil && len(reply) > 0 {
		if err := json.Unmarshal(reply, out); err != nil {
			return nil, fmt.Errorf("decoding reply: %w", err)
		}
	}
	return reply, nil
}

func printJSON(reply []byte) {
	var buf any
	if err := json.Unmarshal(reply, &buf); err != nil {
		os.Stdout.Write(reply)
		fmt.Println()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(buf)
}

func cmdPing(ctx context.Context, cli *channel.Client, args []string) error {
	msg := "flyhook"
	if len(args) > 0 {
		msg = args[0]
	}
	start := time.Now()
	reply, err := cli.Do(ctx, dispatch.CmdPing, []byte(msg), 0)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", string(reply), time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdVersion(ctx context.Context, cli *channel.Client, raw bool) error {
	var rep dispatch.VersionReply
	reply, err := do(ctx, cli, dispatch.CmdGetVersion, nil, &rep)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	fmt.Printf("flyhookd %s, up %s, %d pending command(s)\n",
		rep.Version, (time.Duration(rep.Uptime) * time.Second).String(), rep.Pending)
	return nil
}

func cmdHooks(ctx context.Context, cli *channel.Client, raw bool) error {
	var hooks []dispatch.HookPointInfo
	reply, err := do(ctx, cli, dispatch.CmdListHooks, nil, &hooks)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	if len(hooks) == 0 {
		fmt.Println("no hook points configured")
		return nil
	}
	for _, h := range hooks {
		state := "stopped"
		if h.Running {
			state = "running"
		}
		fmt.Printf("%-16s %-9s queue %-5d %s", h.Name, h.Direction, h.QueueNum, state)
		if len(h.Interfaces) > 0 {
			fmt.Printf("  %v", h.Interfaces)
		}
		fmt.Println()
	}
	return nil
}

func cmdDetach(ctx context.Context, cli *channel.Client, args []string) error {
	fs := flag.NewFlagSet("detach", flag.ExitOnError)
	resource := fs.String("resource", "", "resource id")
	clientID := fs.String("client", "", "client id")
	fs.Parse(args)

	req := dispatch.DetachRequest{ResourceID: *resource, ClientID: *clientID}
	if _, err := do(ctx, cli, dispatch.CmdDetach, req, nil); err != nil {
		return err
	}
	fmt.Printf("detached %s from %s\n", *clientID, *resource)
	return nil
}

func cmdDelete(ctx context.Context, cli *channel.Client, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	resource := fs.String("resource", "", "resource id")
	fs.Parse(args)

	// Completion arrives only after the last rule is resolved and the last
	// reference is released, so this can legitimately take a while.
	req := dispatch.DeleteResourceRequest{ResourceID: *resource}
	if _, err := do(ctx, cli, dispatch.CmdDeleteResource, req, nil); err != nil {
		return err
	}
	fmt.Printf("resource %s freed\n", *resource)
	return nil
}

func cmdDrain(ctx context.Context, cli *channel.Client, args []string, raw bool) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	wait := fs.Duration("wait", 30*time.Second, "how long the daemon waits for the lists to empty")
	fs.Parse(args)

	var rep dispatch.DrainReply
	req := dispatch.DrainRequest{TimeoutMs: wait.Milliseconds()}
	reply, err := do(ctx, cli, dispatch.CmdDrain, req, &rep)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	fmt.Println("drained: all cleanup lists empty")
	return nil
}

func cmdCancel(ctx context.Context, cli *channel.Client, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	correlation := fs.Uint64("correlation", 0, "correlation id of the command to cancel")
	fs.Parse(args)

	if err := cli.Cancel(ctx, *correlation); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %d\n", *correlation)
	return nil
}

func cmdProvider(ctx context.Context, cli *channel.Client, cmd dispatch.Command, args []string, raw bool) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one provider name")
	}
	reply, err := do(ctx, cli, cmd, dispatch.ProviderRequest{Name: args[0]}, nil)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	if cmd == dispatch.CmdRegisterProvider {
		fmt.Printf("provider %s registered\n", args[0])
	} else {
		fmt.Printf("provider %s deregistered\n", args[0])
	}
	return nil
}
