package badgerstore

import (
	"encoding/binary"
	"time"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
)

// Key layout:
//
//	c/<client id>                  -> username | public key | last seen (ms, BE)
//	u/<canonical username>         -> client id
//	m/<receiver id><message id BE> -> sender id | type | content
//	i/<message id BE>              -> receiver id
//
// Message ids are big-endian in keys so a prefix scan over m/<receiver>
// returns them in id order.
var (
	prefixClient   = []byte("c/")
	prefixUsername = []byte("u/")
	prefixMessage  = []byte("m/")
	prefixIndex    = []byte("i/")
	keySequence    = []byte("seq/message")
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func messageIDBytes(id protocol.MessageID) []byte {
	b := make([]byte, protocol.MessageIDSize)
	binary.BigEndian.PutUint32(b, uint32(id))
	return b
}

func keyClient(id protocol.ClientID) []byte { return join(prefixClient, id[:]) }

func keyUsername(u protocol.Username) []byte { return join(prefixUsername, u[:]) }

func keyMessagePrefix(receiver protocol.ClientID) []byte { return join(prefixMessage, receiver[:]) }

func keyMessage(receiver protocol.ClientID, id protocol.MessageID) []byte {
	return join(prefixMessage, receiver[:], messageIDBytes(id))
}

func keyIndex(id protocol.MessageID) []byte { return join(prefixIndex, messageIDBytes(id)) }

const clientValueSize = protocol.UsernameSize + protocol.PublicKeySize + 8

func encodeClient(c *store.Client) []byte {
	v := make([]byte, clientValueSize)
	copy(v, c.Username[:])
	copy(v[protocol.UsernameSize:], c.PublicKey[:])
	binary.BigEndian.PutUint64(v[protocol.UsernameSize+protocol.PublicKeySize:], uint64(c.LastSeen.UnixMilli()))
	return v
}

func decodeClient(id protocol.ClientID, v []byte) (store.Client, error) {
	if len(v) != clientValueSize {
		return store.Client{}, errCorrupt
	}
	c := store.Client{ID: id}
	copy(c.Username[:], v)
	copy(c.PublicKey[:], v[protocol.UsernameSize:])
	c.LastSeen = time.UnixMilli(int64(binary.BigEndian.Uint64(v[protocol.UsernameSize+protocol.PublicKeySize:])))
	return c, nil
}

const messageValueHeader = protocol.ClientIDSize + protocol.MessageTypeSize

func encodeMessage(sender protocol.ClientID, typ protocol.MessageType, content []byte) []byte {
	v := make([]byte, messageValueHeader+len(content))
	copy(v, sender[:])
	v[protocol.ClientIDSize] = uint8(typ)
	copy(v[messageValueHeader:], content)
	return v
}

func decodeMessage(receiver protocol.ClientID, id protocol.MessageID, v []byte) (store.Message, error) {
	if len(v) < messageValueHeader {
		return store.Message{}, errCorrupt
	}
	m := store.Message{ID: id, Receiver: receiver, Type: protocol.MessageType(v[protocol.ClientIDSize])}
	copy(m.Sender[:], v)
	m.Content = append([]byte{}, v[messageValueHeader:]...)
	return m, nil
}
