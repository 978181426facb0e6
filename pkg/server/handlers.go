package server

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/pagination"
	"github.com/aeolun/messageu/pkg/protocol"
)

// expectPayload rejects a fixed-width request whose header declares any
// other size.
func (c *connection) expectPayload(size int) error {
	if c.header.PayloadSize != uint32(size) {
		return fmt.Errorf("%w: %s declares %d bytes, body is %d",
			protocol.ErrSizeMismatch, protocol.CodeName(c.header.Code), c.header.PayloadSize, size)
	}
	return nil
}

// handleRegister handles REGISTER (1100)
func (c *connection) handleRegister() (*response, error) {
	if err := c.expectPayload(protocol.RegisterRequestSize); err != nil {
		return nil, err
	}

	var req protocol.RegisterRequest
	if err := req.DecodeFrom(c.r); err != nil {
		return nil, err
	}
	if !req.Username.Valid() {
		return nil, protocol.ErrMissingTerminator
	}

	id, err := c.srv.store.CreateClient(req.Username, req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", req.Username.String(), err)
	}

	c.log.WithFields(logrus.Fields{
		"username":    req.Username.String(),
		"new_id":      id.String(),
		"fingerprint": req.PublicKey.Fingerprint(),
	}).Info("Client registered")

	resp := protocol.RegisteredResponse{ClientID: id}
	return fixedResponse(protocol.CodeRegistered, resp.Encode()), nil
}

// handleListClients handles LIST_CLIENTS (1101). Any declared payload is
// ignored.
func (c *connection) handleListClients() (*response, error) {
	sp := c.srv.newSpool()
	clients := c.srv.store.ListClients(c.srv.cfg.ClientPageSize)

	res, err := pagination.PackClients(sp, clients, c.client.ID, c.srv.cfg.MaxPayloadSize)
	if err != nil {
		sp.Close()
		return nil, fmt.Errorf("list clients: %w", err)
	}
	if res.Truncated {
		c.srv.metrics.RecordClientListTruncated()
		c.log.WithField("count", res.Count).Warn("Client list truncated at payload limit")
	}

	return spooledResponse(protocol.CodeClientList, sp, res.Size)
}

// handleGetPublicKey handles GET_PUBLIC_KEY (1102)
func (c *connection) handleGetPublicKey() (*response, error) {
	if err := c.expectPayload(protocol.GetPublicKeyRequestSize); err != nil {
		return nil, err
	}

	var req protocol.GetPublicKeyRequest
	if err := req.DecodeFrom(c.r); err != nil {
		return nil, err
	}

	target, err := c.srv.store.FetchClient(req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("public key of %s: %w", req.ClientID, err)
	}

	resp := protocol.PublicKeyResponse{ClientID: target.ID, PublicKey: target.PublicKey}
	return fixedResponse(protocol.CodePublicKeyReply, resp.Encode()), nil
}

// handleSendMessage handles SEND_MESSAGE (1103). The sub-header is checked
// against the outer payload size before any content is read, and the
// content is spooled before the receiver is looked up so the request is
// always consumed in full.
func (c *connection) handleSendMessage() (*response, error) {
	if c.header.PayloadSize < protocol.SendMessageHeaderSize {
		return nil, fmt.Errorf("%w: payload of %d bytes cannot hold a message header",
			protocol.ErrSizeMismatch, c.header.PayloadSize)
	}

	var hdr protocol.SendMessageHeader
	if err := hdr.DecodeFrom(c.r); err != nil {
		return nil, err
	}
	if err := hdr.Validate(c.header.PayloadSize); err != nil {
		return nil, err
	}
	if err := c.srv.storeOptions().CheckContentSize(hdr.MessageSize); err != nil {
		return nil, err
	}

	content := c.srv.newSpool()
	defer content.Close()
	if _, err := protocol.CopyChunked(content, c.r, int64(hdr.MessageSize), c.srv.cfg.ChunkSize); err != nil {
		return nil, err
	}

	receiver, err := c.srv.store.FetchClient(hdr.Receiver)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", hdr.Receiver, err)
	}

	r, err := content.Reader()
	if err != nil {
		return nil, err
	}
	id, err := c.srv.store.CreateMessage(c.client.ID, receiver.ID, hdr.Type, r, hdr.MessageSize)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	c.srv.metrics.RecordMessageStored()
	c.log.WithFields(logrus.Fields{
		"receiver":   receiver.ID.String(),
		"message_id": id,
		"type":       hdr.Type.String(),
		"size":       hdr.MessageSize,
	}).Debug("Message stored")

	resp := protocol.MessageAcceptedResponse{Receiver: receiver.ID, MessageID: id}
	return fixedResponse(protocol.CodeMessageAccepted, resp.Encode()), nil
}

// handlePollMessages handles POLL_MESSAGES (1104). Delivered messages are
// deleted once the body is assembled, before it is sent. Messages that did
// not fit stay stored for the next poll.
func (c *connection) handlePollMessages() (*response, error) {
	sp := c.srv.newSpool()
	pending := c.srv.store.ListPendingMessages(c.client.ID, c.srv.cfg.MessagePageSize)

	res, err := pagination.PackMessages(sp, pending, c.srv.cfg.MaxPayloadSize, c.srv.cfg.ChunkSize)
	if err != nil {
		sp.Close()
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	if len(res.Delivered) > 0 {
		if err := c.srv.store.DeleteMessages(slices.Values(res.Delivered)); err != nil {
			sp.Close()
			return nil, fmt.Errorf("delete delivered messages: %w", err)
		}
	}

	c.srv.metrics.RecordPoll(len(res.Delivered), res.Skipped)
	if res.Skipped > 0 {
		c.log.WithField("skipped", res.Skipped).Debug("Pending messages left for a later poll")
	}

	return spooledResponse(protocol.CodePendingMessages, sp, res.Size)
}
