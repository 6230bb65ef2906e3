package actor

import (
	"context"
	"time"

	"github.com/gholt-successor/docs/docserr"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/internal/framing"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/recon"
)

// frameTransport implements recon.Transport over an iface.Conn, using the
// shared length-prefixed framing (itself adapted from msg.go's MsgConn) to
// delimit each recon.Message on the wire.
type frameTransport struct {
	conn         iface.Conn
	namespace    keys.NamespaceId
	roundTimeout time.Duration
}

func (t *frameTransport) Send(ctx context.Context, m recon.Message) error {
	const op = "actor.frame_transport.send"
	t.setDeadline(ctx)
	if err := framing.WriteFrame(t.conn, m.Encode()); err != nil {
		return docserr.Wrap(docserr.KindConnectFailed, op, err)
	}
	return nil
}

func (t *frameTransport) Recv(ctx context.Context) (recon.Message, error) {
	const op = "actor.frame_transport.recv"
	t.setDeadline(ctx)

	payload, err := framing.ReadFrame(t.conn)
	if err != nil {
		return recon.Message{}, docserr.Wrap(docserr.KindConnectFailed, op, err)
	}
	msg, err := recon.Decode(payload, t.namespace)
	if err != nil {
		return recon.Message{}, docserr.Wrap(docserr.KindStorage, op, err)
	}
	return msg, nil
}

// setDeadline bounds the next Send/Recv by the round timeout, or by ctx's
// deadline when that comes sooner.
func (t *frameTransport) setDeadline(ctx context.Context) {
	var dl time.Time
	if t.roundTimeout > 0 {
		dl = time.Now().Add(t.roundTimeout)
	}
	if ctxDl, ok := ctx.Deadline(); ok && (dl.IsZero() || ctxDl.Before(dl)) {
		dl = ctxDl
	}
	if !dl.IsZero() {
		_ = t.conn.SetDeadline(dl)
	}
}
