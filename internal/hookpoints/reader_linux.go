// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package hookpoints

import (
	"context"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/vishvananda/netlink"

	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
)

// queueReader drains one nfqueue and feeds its hook point. Verdicts are set
// synchronously from the receive callback; packets on devices outside the
// hook's interface set pass through unclassified.
type queueReader struct {
	hook      *HookPoint
	nf        *nfqueue.Nfqueue
	cancel    context.CancelFunc
	ifindexes map[uint32]struct{}
}

func newQueueReader(h *HookPoint) *queueReader {
	return &queueReader{hook: h}
}

func (r *queueReader) start(ctx context.Context) error {
	r.ifindexes = make(map[uint32]struct{}, len(r.hook.cfg.Interfaces))
	for _, name := range r.hook.cfg.Interfaces {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Wrapf(err, errors.KindInvalidArgument, "resolve interface %s", name)
		}
		r.ifindexes[uint32(link.Attrs().Index)] = struct{}{}
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      r.hook.cfg.QueueNum,
		MaxPacketLen: r.hook.cfg.MaxPacketLen,
		MaxQueueLen:  r.hook.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "open nfqueue %d", r.hook.cfg.QueueNum)
	}

	rctx, cancel := context.WithCancel(ctx)
	// The callback keeps its own handle so stop can clear r.nf without
	// racing an in-flight receive.
	recv := func(a nfqueue.Attribute) int { return r.receive(nf, a) }
	if err := nf.RegisterWithErrorFunc(rctx, recv, r.readError); err != nil {
		cancel()
		nf.Close()
		return errors.Wrapf(err, errors.KindInternal, "register on nfqueue %d", r.hook.cfg.QueueNum)
	}
	r.nf = nf
	r.cancel = cancel
	return nil
}

func (r *queueReader) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.nf != nil {
		r.nf.Close()
		r.nf = nil
	}
}

func (r *queueReader) receive(nf *nfqueue.Nfqueue, a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID

	if !r.wantDevice(a) {
		r.setVerdict(nf, id, client.Verdict{Type: client.VerdictAccept})
		return 0
	}

	var data []byte
	if a.Payload != nil {
		data = *a.Payload
	}
	verdict := r.hook.Classify(context.Background(), decodePacket(data))
	r.setVerdict(nf, id, verdict)
	return 0
}

// readError is called for socket-level receive failures. Returning zero
// keeps the reader attached.
func (r *queueReader) readError(err error) int {
	r.hook.log.WithError(err).Warn("Queue read failed", "hook", r.hook.cfg.Name)
	return 0
}

func (r *queueReader) wantDevice(a nfqueue.Attribute) bool {
	if len(r.ifindexes) == 0 {
		return true
	}
	dev := a.InDev
	if r.hook.cfg.Direction == DirectionOutbound {
		dev = a.OutDev
	}
	if dev == nil {
		return true
	}
	_, ok := r.ifindexes[*dev]
	return ok
}

func (r *queueReader) setVerdict(nf *nfqueue.Nfqueue, id uint32, v client.Verdict) {
	var err error
	switch v.Type {
	case client.VerdictDrop:
		err = nf.SetVerdict(id, nfqueue.NfDrop)
	case client.VerdictAcceptWithMark:
		err = nf.SetVerdictWithMark(id, nfqueue.NfAccept, int(v.Mark))
	default:
		err = nf.SetVerdict(id, nfqueue.NfAccept)
	}
	if err != nil {
		r.hook.log.WithError(err).Warn("Verdict not delivered", "hook", r.hook.cfg.Name, "packet", id)
	}
}
