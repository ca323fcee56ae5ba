// Package pipeline wires a ReliableTransport to a ProfileStore through four
// staged workers: a router that classifies inbound requests, a profile-ops
// stage that handles CONNECT, DISCONNECT and FOLLOW against the store and
// replies, a notify stage that handles NOTIFY, and a delivery stage that
// drains newly-queued notifications back out through the transport.
package pipeline

import (
	"errors"
	"time"

	"notifyfeed/server/internal/audit"
	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/mailbox"
	"notifyfeed/server/internal/profilestore"
	"notifyfeed/server/internal/transport"
	"notifyfeed/server/internal/wire"
	"notifyfeed/server/internal/worker"
)

// routedReq is an inbound request paired with the logger for its exchange —
// derived once in the router via logging.WithTrace, so every log line the
// request's handler and delivery stage emit carries the same trace_id.
type routedReq struct {
	req     *transport.ReceivedReq
	logger  *logging.Logger
	traceID string
}

// wakeSignal carries the follower to drain alongside the trace ID of the
// notify that triggered the wake, so a delivery-stage log line can be
// correlated back to the REQ/NOTIFY that caused it.
type wakeSignal struct {
	follower profilestore.Username
	traceID  string
}

// Pipeline owns the mailboxes and worker goroutines connecting a transport
// to a store.
type Pipeline struct {
	transport *transport.ReliableTransport
	store     *profilestore.Store
	audit     *audit.Trail
	logger    *logging.Logger
	registry  *worker.Registry

	profileOpsTx mailbox.Sender[routedReq]
	profileOpsRx mailbox.Receiver[routedReq]
	notifyTx     mailbox.Sender[routedReq]
	notifyRx     mailbox.Receiver[routedReq]
	wakeTx       mailbox.Sender[wakeSignal]
	wakeRx       mailbox.Receiver[wakeSignal]
}

// New builds a Pipeline and spawns its router, profile-ops, notify, and
// delivery workers on registry. auditTrail may be nil to disable the
// fan-out audit record.
func New(t *transport.ReliableTransport, store *profilestore.Store, auditTrail *audit.Trail, logger *logging.Logger, registry *worker.Registry) *Pipeline {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	profileOpsTx, profileOpsRx := mailbox.New[routedReq]()
	notifyTx, notifyRx := mailbox.New[routedReq]()
	wakeTx, wakeRx := mailbox.New[wakeSignal]()

	p := &Pipeline{
		transport:    t,
		store:        store,
		audit:        auditTrail,
		logger:       logger,
		registry:     registry,
		profileOpsTx: profileOpsTx,
		profileOpsRx: profileOpsRx,
		notifyTx:     notifyTx,
		notifyRx:     notifyRx,
		wakeTx:       wakeTx,
		wakeRx:       wakeRx,
	}

	registry.Spawn("pipeline-router", p.runRouter)
	registry.Spawn("pipeline-profile-ops", p.runProfileOps)
	registry.Spawn("pipeline-notify", p.runNotify)
	registry.Spawn("pipeline-delivery", p.runDelivery)
	return p
}

// Close disconnects the pipeline's own mailbox endpoints. Callers still
// need to disconnect the transport for the workers to actually unblock and
// return, per the teardown order in the worker registry's contract.
func (p *Pipeline) Close() {
	p.profileOpsTx.Close()
	p.notifyTx.Close()
	p.wakeTx.Close()
}

func (p *Pipeline) runRouter() {
	for {
		received, err := p.transport.ReceiveReq()
		if err != nil {
			p.profileOpsTx.Close()
			p.notifyTx.Close()
			return
		}

		reqLogger, traceID := logging.WithTrace(p.logger, "")
		reqLogger = reqLogger.With(logging.String("remote", received.Request().Remote.String()))
		reqLogger.Debug("request received", logging.String("type", received.Request().Tag.Type.String()))
		routed := routedReq{req: received, logger: reqLogger, traceID: traceID}

		switch received.Request().Tag.Type {
		case wire.TypeConnect, wire.TypeDisconnect, wire.TypeFollow:
			if err := p.profileOpsTx.Send(routed); err != nil {
				reqLogger.Warn("profile-ops mailbox unavailable, dropping request", logging.Error(err))
			}
		case wire.TypeNotify:
			if err := p.notifyTx.Send(routed); err != nil {
				reqLogger.Warn("notify mailbox unavailable, dropping request", logging.Error(err))
			}
		case wire.TypeError:
			reqLogger.Warn("received REQ/ERROR from peer, dropping")
		default:
			if err := received.SendResp(wire.ErrorResp{Kind: wire.ErrKindBad}); err != nil {
				reqLogger.Warn("failed to send RESP/ERROR{BAD}", logging.Error(err))
			}
		}
	}
}

func (p *Pipeline) runProfileOps() {
	for {
		routed, err := p.profileOpsRx.Receive()
		if err != nil {
			return
		}
		received := routed.req
		env := received.Request()
		ts := env.Header.Timestamp

		switch body := env.Body.(type) {
		case wire.ConnectReq:
			if err := p.store.Connect(env.Remote, body.Username, ts); err != nil {
				p.respondError(routed, err)
				continue
			}
			routed.logger.Debug("connected", logging.String("username", body.Username.String()))
			p.send(routed, wire.ConnectResp{})
		case wire.DisconnectReq:
			p.store.Disconnect(env.Remote, ts)
			routed.logger.Debug("disconnected")
			p.send(routed, wire.DisconnectResp{})
		case wire.FollowReq:
			if err := p.store.Follow(env.Remote, body.Username, ts); err != nil {
				p.respondError(routed, err)
				continue
			}
			routed.logger.Debug("follow accepted", logging.String("target", body.Username.String()))
			p.send(routed, wire.FollowResp{})
		default:
			p.send(routed, wire.ErrorResp{Kind: wire.ErrKindBad})
		}
	}
}

func (p *Pipeline) runNotify() {
	for {
		routed, err := p.notifyRx.Receive()
		if err != nil {
			p.wakeTx.Close()
			return
		}
		received := routed.req
		env := received.Request()
		body, ok := env.Body.(wire.NotifyReq)
		if !ok {
			p.send(routed, wire.ErrorResp{Kind: wire.ErrKindBad})
			continue
		}

		traceID := routed.traceID
		wake := profilestore.WakeSinkFunc(func(username profilestore.Username) {
			if err := p.wakeTx.Send(wakeSignal{follower: username, traceID: traceID}); err != nil {
				routed.logger.Warn("wake mailbox unavailable, notification will not be delivered",
					logging.String("follower", username.String()))
			}
		})

		sender, notifID, followerCount, err := p.store.Notify(env.Remote, body.NotifMessage, wake, env.Header.Timestamp)
		if err != nil {
			p.respondError(routed, err)
			continue
		}
		routed.logger.Debug("notification fanned out",
			logging.String("sender", sender.String()), logging.Int64("notif_id", int64(notifID)), logging.Int("followers", followerCount))
		p.send(routed, wire.NotifyResp{})

		if p.audit != nil {
			if err := p.audit.RecordFanout(sender, notifID, followerCount, time.Unix(env.Header.Timestamp, 0)); err != nil {
				routed.logger.Warn("audit trail write failed", logging.Error(err))
			}
		}
	}
}

func (p *Pipeline) runDelivery() {
	for {
		signal, err := p.wakeRx.Receive()
		if err != nil {
			return
		}
		deliveryLogger, _ := logging.WithTrace(p.logger, signal.traceID)
		deliveryLogger = deliveryLogger.With(logging.String("follower", signal.follower.String()))
		for {
			pending, ok := p.store.ConsumeOnePending(signal.follower)
			if !ok {
				break
			}
			deliver := wire.DeliverReq{
				Sender:       pending.Sender,
				NotifMessage: pending.Message,
				SentAt:       pending.SentAt,
			}
			for _, receiver := range pending.Receivers {
				if _, err := p.transport.SendReq(receiver, deliver); err != nil {
					deliveryLogger.Warn("failed to enqueue REQ/DELIVER",
						logging.String("receiver", receiver.String()), logging.Error(err))
				} else {
					deliveryLogger.Debug("enqueued REQ/DELIVER", logging.String("receiver", receiver.String()))
				}
			}
		}
	}
}

func (p *Pipeline) send(routed routedReq, body wire.Body) {
	if err := routed.req.SendResp(body); err != nil {
		routed.logger.Warn("failed to send response", logging.Error(err))
	}
}

func (p *Pipeline) respondError(routed routedReq, err error) {
	var storeErr *profilestore.Error
	if errors.As(err, &storeErr) {
		p.send(routed, wire.ErrorResp{Kind: storeErr.Kind})
		return
	}
	p.send(routed, wire.ErrorResp{Kind: wire.ErrKindInternal})
}
