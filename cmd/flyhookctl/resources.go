// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
)

func cmdResources(ctx context.Context, cli *channel.Client, raw bool) error {
	var infos []hookattach.Info
	reply, err := do(ctx, cli, dispatch.CmdListResources, nil, &infos)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	if len(infos) == 0 {
		fmt.Println("no resources")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s  hook=%s state=%s provider=%s refs=%d clients=%d/%d\n",
			info.ID, info.HookPoint, info.State, info.Provider, info.Refs,
			len(info.Clients), info.MaxClients)
		if len(info.Clients) > 0 {
			fmt.Printf("    clients: %s\n", strings.Join(info.Clients, ", "))
		}
		for _, r := range info.Rules {
			line := fmt.Sprintf("    rule %s %q %s", r.ID, r.Name, r.State)
			if r.Error != "" {
				line += " (" + r.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func cmdAttach(ctx context.Context, cli *channel.Client, args []string, raw bool) error {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	hook := fs.String("hook", "", "hook point name")
	providerName := fs.String("provider", "", "provider the resource binds to")
	clientID := fs.String("client", "", "client id (defaults to a generated one)")
	maxClients := fs.Int("max-clients", 0, "client capacity for a new resource (0 uses the daemon default)")
	program := fs.String("program", "", "path to a compiled classifier program to run for each packet")
	programName := fs.String("program-name", "", "program section name inside the object file")
	fs.Parse(args)

	req := dispatch.AttachRequest{
		HookPoint:   *hook,
		MaxClients:  *maxClients,
		Provider:    *providerName,
		ClientID:    *clientID,
		ProgramPath: *program,
		ProgramName: *programName,
	}
	var rep dispatch.AttachReply
	reply, err := do(ctx, cli, dispatch.CmdAttach, req, &rep)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	fmt.Printf("attached to %s (%d client(s))\n", rep.ResourceID, rep.Clients)
	return nil
}

func cmdAddRules(ctx context.Context, cli *channel.Client, args []string, raw bool) error {
	fs := flag.NewFlagSet("add-rules", flag.ExitOnError)
	resource := fs.String("resource", "", "resource id")
	file := fs.String("file", "", "JSON file holding an array of rules")
	name := fs.String("name", "", "inline rule: name")
	protocol := fs.String("protocol", "", "inline rule: protocol (tcp, udp, icmp)")
	src := fs.String("src", "", "inline rule: source CIDR")
	dst := fs.String("dst", "", "inline rule: destination CIDR")
	dstPort := fs.Uint("dst-port", 0, "inline rule: destination port")
	action := fs.String("action", string(filter.ActionAccept), "inline rule: accept, drop, or queue")
	priority := fs.Int("priority", 0, "inline rule: priority, lower runs first")
	fs.Parse(args)

	rules, err := loadRules(*file, inlineRule{
		name:     *name,
		protocol: *protocol,
		src:      *src,
		dst:      *dst,
		dstPort:  uint16(*dstPort),
		action:   *action,
		priority: *priority,
	})
	if err != nil {
		return err
	}

	var rep dispatch.AddRulesReply
	req := dispatch.AddRulesRequest{ResourceID: *resource, Rules: rules}
	reply, err := do(ctx, cli, dispatch.CmdAddRules, req, &rep)
	if err != nil {
		return err
	}
	if raw {
		printJSON(reply)
		return nil
	}
	fmt.Printf("%d rule(s) installed on %s\n", rep.Installed, *resource)
	return nil
}

type inlineRule struct {
	name     string
	protocol string
	src      string
	dst      string
	dstPort  uint16
	action   string
	priority int
}

// loadRules reads the rule set from a file when -file was given, otherwise
// it builds a single rule from the inline flags.
func loadRules(file string, inline inlineRule) ([]filter.RuleParams, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var rules []filter.RuleParams
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", file, err)
		}
		if len(rules) == 0 {
			return nil, fmt.Errorf("%s holds no rules", file)
		}
		return rules, nil
	}
	if inline.name == "" {
		return nil, fmt.Errorf("either -file or -name is required")
	}
	return []filter.RuleParams{{
		Name:     inline.name,
		Priority: inline.priority,
		Match: filter.Match{
			Protocol: inline.protocol,
			SrcCIDR:  inline.src,
			DstCIDR:  inline.dst,
			DstPort:  inline.dstPort,
		},
		Action: filter.Action(inline.action),
	}}, nil
}
