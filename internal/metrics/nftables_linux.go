// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package metrics

import (
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// readRuleCounters gathers per-rule counters from the filter table using
// native netlink. Every rule the nft backend installs carries a counter
// expression and a "name#uuid" marker in its user data; the name half of
// the marker becomes the rule label.
func readRuleCounters(tableName string) ([]RuleCounter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}

	tables, err := conn.ListTables()
	if err != nil {
		return nil, err
	}
	var target *nftables.Table
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyINet {
			target = t
			break
		}
	}
	if target == nil {
		// Nothing installed yet.
		return nil, nil
	}

	chains, err := conn.ListChains()
	if err != nil {
		return nil, err
	}

	var out []RuleCounter
	for _, chain := range chains {
		if chain.Table.Name != tableName {
			continue
		}
		rules, err := conn.GetRules(target, chain)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			if len(rule.UserData) == 0 {
				continue
			}
			name, _, ok := strings.Cut(string(rule.UserData), "#")
			if !ok || name == "" {
				continue
			}
			for _, e := range rule.Exprs {
				if counter, ok := e.(*expr.Counter); ok {
					out = append(out, RuleCounter{
						Chain:   chain.Name,
						Rule:    name,
						Packets: counter.Packets,
						Bytes:   counter.Bytes,
					})
					break
				}
			}
		}
	}
	return out, nil
}
