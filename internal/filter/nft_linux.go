// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package filter

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
)

// NFT installs rules into the kernel via native netlink. Operations are
// serialized on a single worker goroutine; completion callbacks fire from
// that worker after the batch has been flushed.
type NFT struct {
	table string
	log   *logging.Logger

	mu     sync.Mutex
	closed bool
	ops    chan func()
	done   chan struct{}
}

// NewNFT opens a netlink connection, ensures the flyhook table exists, and
// starts the operation worker.
func NewNFT(table string) (Backend, error) {
	if table == "" {
		table = DefaultTable
	}

	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "open nftables connection")
	}
	conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: table})
	if err := conn.Flush(); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "create table %s", table)
	}

	n := &NFT{
		table: table,
		log:   logging.WithComponent("filter-nft"),
		ops:   make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go n.worker()
	return n, nil
}

func (n *NFT) worker() {
	for fn := range n.ops {
		fn()
	}
	close(n.done)
}

// submit queues fn for the worker. Returns false once the backend is closed.
func (n *NFT) submit(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.ops <- fn
	return true
}

// InstallRule implements Backend.
func (n *NFT) InstallRule(params RuleParams, done func(RuleID, error)) {
	ok := n.submit(func() {
		id, err := n.install(params)
		if err != nil {
			n.log.WithError(err).Error("Rule install failed", "rule", params.Name)
		} else {
			n.log.Debug("Rule installed", "rule", params.Name, "id", string(id))
		}
		done(id, err)
	})
	if !ok {
		go done("", errors.New(errors.KindInternal, "filter backend closed"))
	}
}

// RemoveRule implements Backend.
func (n *NFT) RemoveRule(id RuleID, done func(error)) {
	ok := n.submit(func() {
		err := n.remove(id)
		if err != nil {
			n.log.WithError(err).Error("Rule removal failed", "id", string(id))
		} else {
			n.log.Debug("Rule removed", "id", string(id))
		}
		done(err)
	})
	if !ok {
		go done(errors.New(errors.KindInternal, "filter backend closed"))
	}
}

// Close stops the worker after the queued operations have completed.
func (n *NFT) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.ops)
	n.mu.Unlock()

	<-n.done
	return nil
}

func (n *NFT) install(params RuleParams) (RuleID, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	exprs, err := buildExprs(params)
	if err != nil {
		return "", err
	}

	conn, err := nftables.New()
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "open nftables connection")
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: n.table})
	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName(params.HookPoint),
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hooknum(params.Direction),
		Priority: nftables.ChainPriorityFilter,
	})

	// The marker makes the rule findable after the flush; nftables does not
	// echo handles back on add.
	marker := params.Name + "#" + uuid.NewString()
	conn.AddRule(&nftables.Rule{
		Table:    table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(marker),
	})
	if err := conn.Flush(); err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "install rule %s", params.Name)
	}

	rules, err := conn.GetRules(table, chain)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "read back rule %s", params.Name)
	}
	for _, r := range rules {
		if string(r.UserData) == marker {
			return RuleID(fmt.Sprintf("%s/%d", chain.Name, r.Handle)), nil
		}
	}
	return "", errors.Errorf(errors.KindInternal, "rule %s not found after flush", params.Name)
}

func (n *NFT) remove(id RuleID) error {
	chainPart, handlePart, ok := strings.Cut(string(id), "/")
	if !ok {
		return errors.Errorf(errors.KindInvalidArgument, "malformed rule id %q", id)
	}
	handle, err := strconv.ParseUint(handlePart, 10, 64)
	if err != nil {
		return errors.Errorf(errors.KindInvalidArgument, "malformed rule handle in %q", id)
	}

	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "open nftables connection")
	}

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: n.table}
	if err := conn.DelRule(&nftables.Rule{
		Table:  table,
		Chain:  &nftables.Chain{Name: chainPart, Table: table},
		Handle: handle,
	}); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "delete rule %s", id)
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "delete rule %s", id)
	}
	return nil
}

// buildExprs translates RuleParams into an nftables expression list:
// optional matches, then a counter, then the verdict.
func buildExprs(params RuleParams) ([]expr.Any, error) {
	var exprs []expr.Any

	if params.Match.SrcCIDR != "" || params.Match.DstCIDR != "" {
		// CIDR matches read the IPv4 header, so pin the family first.
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
		)
	}

	if params.Match.Protocol != "" {
		var proto byte
		switch params.Match.Protocol {
		case "tcp":
			proto = unix.IPPROTO_TCP
		case "udp":
			proto = unix.IPPROTO_UDP
		case "icmp":
			proto = unix.IPPROTO_ICMP
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	}

	if params.Match.SrcCIDR != "" {
		m, err := cidrMatch(params.Match.SrcCIDR, 12)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, m...)
	}
	if params.Match.DstCIDR != "" {
		m, err := cidrMatch(params.Match.DstCIDR, 16)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, m...)
	}

	if params.Match.DstPort != 0 {
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, params.Match.DstPort)
		exprs = append(exprs,
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       2,
				Len:          2,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: port},
		)
	}

	exprs = append(exprs, &expr.Counter{})

	switch params.Action {
	case ActionAccept:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case ActionDrop:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	case ActionQueue:
		exprs = append(exprs, &expr.Queue{Num: params.QueueNum})
	}
	return exprs, nil
}

// cidrMatch loads 4 bytes of the IPv4 header at offset (12 = saddr,
// 16 = daddr), masks them, and compares against the network address.
func cidrMatch(cidr string, offset uint32) ([]expr.Any, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidArgument, "bad cidr %q", cidr)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf(errors.KindInvalidArgument, "cidr %q is not IPv4", cidr)
	}

	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           ipnet.Mask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip4},
	}, nil
}

func chainName(hookPoint string) string {
	return "hook_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, hookPoint)
}

func hooknum(direction string) *nftables.ChainHook {
	switch direction {
	case "egress":
		return nftables.ChainHookOutput
	case "forward":
		return nftables.ChainHookForward
	default:
		return nftables.ChainHookInput
	}
}
