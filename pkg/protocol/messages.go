package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Request codes (Client → Server)
const (
	CodeRegister     Code = 1100
	CodeListClients  Code = 1101
	CodeGetPublicKey Code = 1102
	CodeSendMessage  Code = 1103
	CodePollMessages Code = 1104
)

// Response codes (Server → Client)
const (
	CodeRegistered      Code = 2100
	CodeClientList      Code = 2101
	CodePublicKeyReply  Code = 2102
	CodeMessageAccepted Code = 2103
	CodePendingMessages Code = 2104
	CodeError           Code = 9000
)

// Fixed body widths
const (
	RegisterRequestSize         = UsernameSize + PublicKeySize
	GetPublicKeyRequestSize     = ClientIDSize
	SendMessageHeaderSize       = ClientIDSize + MessageTypeSize + MessageSizeSize
	RegisteredResponseSize      = ClientIDSize
	ClientListEntrySize         = ClientIDSize + UsernameSize
	PublicKeyResponseSize       = ClientIDSize + PublicKeySize
	MessageAcceptedResponseSize = ClientIDSize + MessageIDSize
	PendingMessageHeaderSize    = ClientIDSize + MessageIDSize + MessageTypeSize + MessageSizeSize
)

// CodeName returns a stable label for a code, used in logs and metrics
func CodeName(c Code) string {
	switch c {
	case CodeRegister:
		return "REGISTER"
	case CodeListClients:
		return "LIST_CLIENTS"
	case CodeGetPublicKey:
		return "GET_PUBLIC_KEY"
	case CodeSendMessage:
		return "SEND_MESSAGE"
	case CodePollMessages:
		return "POLL_MESSAGES"
	case CodeRegistered:
		return "REGISTERED"
	case CodeClientList:
		return "CLIENT_LIST"
	case CodePublicKeyReply:
		return "PUBLIC_KEY"
	case CodeMessageAccepted:
		return "MESSAGE_ACCEPTED"
	case CodePendingMessages:
		return "PENDING_MESSAGES"
	case CodeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func encodeToBytes(size int, encode func(io.Writer) error) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	_ = encode(buf)
	return buf.Bytes()
}

// RegisterRequest (1100) - register a username and public key
type RegisterRequest struct {
	Username  Username
	PublicKey PublicKey
}

func (m *RegisterRequest) EncodeTo(w io.Writer) error {
	if err := WriteUsername(w, m.Username); err != nil {
		return err
	}
	return WritePublicKey(w, m.PublicKey)
}

func (m *RegisterRequest) Encode() []byte {
	return encodeToBytes(RegisterRequestSize, m.EncodeTo)
}

func (m *RegisterRequest) DecodeFrom(r io.Reader) error {
	username, err := ReadUsername(r)
	if err != nil {
		return err
	}
	publicKey, err := ReadPublicKey(r)
	if err != nil {
		return err
	}

	m.Username = username
	m.PublicKey = publicKey
	return nil
}

// GetPublicKeyRequest (1102) - ask for another client's public key
type GetPublicKeyRequest struct {
	ClientID ClientID
}

func (m *GetPublicKeyRequest) EncodeTo(w io.Writer) error {
	return WriteClientID(w, m.ClientID)
}

func (m *GetPublicKeyRequest) Encode() []byte {
	return encodeToBytes(GetPublicKeyRequestSize, m.EncodeTo)
}

func (m *GetPublicKeyRequest) DecodeFrom(r io.Reader) error {
	id, err := ReadClientID(r)
	if err != nil {
		return err
	}
	m.ClientID = id
	return nil
}

// SendMessageHeader (1103) precedes MessageSize bytes of opaque content
type SendMessageHeader struct {
	Receiver    ClientID
	Type        MessageType
	MessageSize uint32
}

func (m *SendMessageHeader) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, m.Receiver); err != nil {
		return err
	}
	if err := WriteMessageType(w, m.Type); err != nil {
		return err
	}
	return WriteUint32(w, m.MessageSize)
}

func (m *SendMessageHeader) Encode() []byte {
	return encodeToBytes(SendMessageHeaderSize, m.EncodeTo)
}

func (m *SendMessageHeader) DecodeFrom(r io.Reader) error {
	receiver, err := ReadClientID(r)
	if err != nil {
		return err
	}
	msgType, err := ReadMessageType(r)
	if err != nil {
		return err
	}
	size, err := ReadUint32(r)
	if err != nil {
		return err
	}

	m.Receiver = receiver
	m.Type = msgType
	m.MessageSize = size
	return nil
}

// PayloadSize is the outer payload size a request carrying this header must declare.
// Computed in 64 bits so a MessageSize near 2^32 cannot wrap.
func (m *SendMessageHeader) PayloadSize() uint64 {
	return SendMessageHeaderSize + uint64(m.MessageSize)
}

// Validate checks the header against the outer declared payload size, then the type.
func (m *SendMessageHeader) Validate(payloadSize uint32) error {
	if m.PayloadSize() != uint64(payloadSize) {
		return fmt.Errorf("%w: header declares %d, message needs %d", ErrSizeMismatch, payloadSize, m.PayloadSize())
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w (%d)", ErrUnknownMessageType, uint8(m.Type))
	}
	return nil
}

// RegisteredResponse (2100) - the id assigned to a new client
type RegisteredResponse struct {
	ClientID ClientID
}

func (m *RegisteredResponse) EncodeTo(w io.Writer) error {
	return WriteClientID(w, m.ClientID)
}

func (m *RegisteredResponse) Encode() []byte {
	return encodeToBytes(RegisteredResponseSize, m.EncodeTo)
}

func (m *RegisteredResponse) DecodeFrom(r io.Reader) error {
	id, err := ReadClientID(r)
	if err != nil {
		return err
	}
	m.ClientID = id
	return nil
}

// ClientListEntry is one record of a ClientList (2101) response
type ClientListEntry struct {
	ClientID ClientID
	Username Username
}

func (m *ClientListEntry) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, m.ClientID); err != nil {
		return err
	}
	return WriteUsername(w, m.Username)
}

func (m *ClientListEntry) Encode() []byte {
	return encodeToBytes(ClientListEntrySize, m.EncodeTo)
}

func (m *ClientListEntry) DecodeFrom(r io.Reader) error {
	id, err := ReadClientID(r)
	if err != nil {
		return err
	}
	username, err := ReadUsername(r)
	if err != nil {
		return err
	}

	m.ClientID = id
	m.Username = username
	return nil
}

// PublicKeyResponse (2102) - a client's id and public key
type PublicKeyResponse struct {
	ClientID  ClientID
	PublicKey PublicKey
}

func (m *PublicKeyResponse) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, m.ClientID); err != nil {
		return err
	}
	return WritePublicKey(w, m.PublicKey)
}

func (m *PublicKeyResponse) Encode() []byte {
	return encodeToBytes(PublicKeyResponseSize, m.EncodeTo)
}

func (m *PublicKeyResponse) DecodeFrom(r io.Reader) error {
	id, err := ReadClientID(r)
	if err != nil {
		return err
	}
	key, err := ReadPublicKey(r)
	if err != nil {
		return err
	}

	m.ClientID = id
	m.PublicKey = key
	return nil
}

// MessageAcceptedResponse (2103) - receiver id and the id of the stored message
type MessageAcceptedResponse struct {
	Receiver  ClientID
	MessageID MessageID
}

func (m *MessageAcceptedResponse) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, m.Receiver); err != nil {
		return err
	}
	return WriteMessageID(w, m.MessageID)
}

func (m *MessageAcceptedResponse) Encode() []byte {
	return encodeToBytes(MessageAcceptedResponseSize, m.EncodeTo)
}

func (m *MessageAcceptedResponse) DecodeFrom(r io.Reader) error {
	receiver, err := ReadClientID(r)
	if err != nil {
		return err
	}
	id, err := ReadMessageID(r)
	if err != nil {
		return err
	}

	m.Receiver = receiver
	m.MessageID = id
	return nil
}

// PendingMessageHeader precedes the content of each record in a
// PendingMessages (2104) response
type PendingMessageHeader struct {
	Sender      ClientID
	MessageID   MessageID
	Type        MessageType
	MessageSize uint32
}

// RecordSize is the encoded size of the header plus its content.
func (m *PendingMessageHeader) RecordSize() uint64 {
	return PendingMessageHeaderSize + uint64(m.MessageSize)
}

func (m *PendingMessageHeader) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, m.Sender); err != nil {
		return err
	}
	if err := WriteMessageID(w, m.MessageID); err != nil {
		return err
	}
	if err := WriteMessageType(w, m.Type); err != nil {
		return err
	}
	return WriteUint32(w, m.MessageSize)
}

func (m *PendingMessageHeader) Encode() []byte {
	return encodeToBytes(PendingMessageHeaderSize, m.EncodeTo)
}

func (m *PendingMessageHeader) DecodeFrom(r io.Reader) error {
	sender, err := ReadClientID(r)
	if err != nil {
		return err
	}
	id, err := ReadMessageID(r)
	if err != nil {
		return err
	}
	msgType, err := ReadMessageType(r)
	if err != nil {
		return err
	}
	size, err := ReadUint32(r)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.MessageID = id
	m.Type = msgType
	m.MessageSize = size
	return nil
}
