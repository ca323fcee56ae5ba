package wire

import "fmt"

// EncodeEnvelope renders env as a full datagram: magic prefix, header,
// tag, then the body fields specific to env.Body's concrete type.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	s := NewSerializer()
	s.WriteUint64(env.Header.Seqn)
	s.WriteInt64(env.Header.Timestamp)
	s.WriteBool(env.Tag.Step == StepResp)
	s.WriteUint64(uint64(env.Tag.Type))

	if got := env.Body.bodyTag(); got != env.Tag {
		return nil, fmt.Errorf("wire: envelope tag %v does not match body tag %v", env.Tag, got)
	}

	switch body := env.Body.(type) {
	case ConnectReq:
		s.WriteString(body.Username.String())
	case ConnectResp:
	case DisconnectReq:
	case DisconnectResp:
	case FollowReq:
		s.WriteString(body.Username.String())
	case FollowResp:
	case NotifyReq:
		s.WriteString(body.NotifMessage.String())
	case NotifyResp:
	case DeliverReq:
		s.WriteString(body.Sender.String())
		s.WriteString(body.NotifMessage.String())
		s.WriteInt64(body.SentAt)
	case DeliverResp:
	case PingReq:
	case PingResp:
	case ServerConnReq:
	case ServerConnResp:
	case ErrorResp:
		s.WriteUint64(uint64(body.Kind))
	default:
		return nil, fmt.Errorf("wire: unknown body type %T", env.Body)
	}

	return EncodeFrame(s.Bytes()), nil
}

// DecodeEnvelope parses a full datagram produced by EncodeEnvelope. The
// Remote field of the returned Envelope is left zero; callers fill it in
// from the transport's source address.
func DecodeEnvelope(datagram []byte) (Envelope, error) {
	var env Envelope

	payload, err := DecodeFrame(datagram)
	if err != nil {
		return env, err
	}
	d := NewDeserializer(payload)

	seqn, err := d.ReadUint64()
	if err != nil {
		return env, fmt.Errorf("wire: decode header seqn: %w", err)
	}
	timestamp, err := d.ReadInt64()
	if err != nil {
		return env, fmt.Errorf("wire: decode header timestamp: %w", err)
	}
	isResp, err := d.ReadBool()
	if err != nil {
		return env, fmt.Errorf("wire: decode step: %w", err)
	}
	typeRaw, err := d.ReadUint64()
	if err != nil {
		return env, fmt.Errorf("wire: decode type: %w", err)
	}

	step := StepReq
	if isResp {
		step = StepResp
	}
	msgType := MsgType(typeRaw)
	tag := Tag{Step: step, Type: msgType}

	body, err := decodeBody(d, tag)
	if err != nil {
		return env, err
	}
	if err := d.ExpectEOF(); err != nil {
		return env, err
	}

	env.Header = Header{Seqn: seqn, Timestamp: timestamp}
	env.Tag = tag
	env.Body = body
	return env, nil
}

func decodeBody(d *Deserializer, tag Tag) (Body, error) {
	switch tag {
	case (ConnectReq{}).bodyTag():
		name, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode CONNECT username: %w", err)
		}
		username, err := NewUsername(name)
		if err != nil {
			return nil, err
		}
		return ConnectReq{Username: username}, nil
	case (ConnectResp{}).bodyTag():
		return ConnectResp{}, nil
	case (DisconnectReq{}).bodyTag():
		return DisconnectReq{}, nil
	case (DisconnectResp{}).bodyTag():
		return DisconnectResp{}, nil
	case (FollowReq{}).bodyTag():
		name, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode FOLLOW username: %w", err)
		}
		username, err := NewUsername(name)
		if err != nil {
			return nil, err
		}
		return FollowReq{Username: username}, nil
	case (FollowResp{}).bodyTag():
		return FollowResp{}, nil
	case (NotifyReq{}).bodyTag():
		content, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode NOTIFY message: %w", err)
		}
		notif, err := NewNotifMessage(content)
		if err != nil {
			return nil, err
		}
		return NotifyReq{NotifMessage: notif}, nil
	case (NotifyResp{}).bodyTag():
		return NotifyResp{}, nil
	case (DeliverReq{}).bodyTag():
		name, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode DELIVER sender: %w", err)
		}
		sender, err := NewUsername(name)
		if err != nil {
			return nil, err
		}
		content, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode DELIVER message: %w", err)
		}
		notif, err := NewNotifMessage(content)
		if err != nil {
			return nil, err
		}
		sentAt, err := d.ReadInt64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode DELIVER sent_at: %w", err)
		}
		return DeliverReq{Sender: sender, NotifMessage: notif, SentAt: sentAt}, nil
	case (DeliverResp{}).bodyTag():
		return DeliverResp{}, nil
	case (PingReq{}).bodyTag():
		return PingReq{}, nil
	case (PingResp{}).bodyTag():
		return PingResp{}, nil
	case (ServerConnReq{}).bodyTag():
		return ServerConnReq{}, nil
	case (ServerConnResp{}).bodyTag():
		return ServerConnResp{}, nil
	case (ErrorResp{}).bodyTag():
		kind, err := d.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode ERROR kind: %w", err)
		}
		return ErrorResp{Kind: ErrorKind(kind)}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message tag %v", tag)
	}
}
