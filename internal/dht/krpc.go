package dht

import (
	"net"
	"strconv"

	"github.com/anacrolix/torrent/bencode"
)

// Endpoint is a UDP peer address in "ip:port" form.
type Endpoint string

// Message is the KRPC envelope: every packet is a
// bencoded dict with t/y and one of q+a, r, or e.
type Message struct {
	T  string     `bencode:"t"`
	Y  string     `bencode:"y"`
	Q  string     `bencode:"q,omitempty"`
	A  *QueryArgs `bencode:"a,omitempty"`
	R  *ReplyArgs `bencode:"r,omitempty"`
	E  *ErrorBody `bencode:"e,omitempty"`
	V  string     `bencode:"v,omitempty"`
	RO int        `bencode:"ro,omitempty"`
}

// ErrorBody is the KRPC "e" field: [code, message].
type ErrorBody []interface{}

func newErrorBody(code KRPCErrorCode, message string) *ErrorBody {
	return &ErrorBody{int(code), message}
}

func (e ErrorBody) code() KRPCErrorCode {
	if len(e) == 0 {
		return KRPCGeneric
	}
	switch v := e[0].(type) {
	case int64:
		return KRPCErrorCode(v)
	case int:
		return KRPCErrorCode(v)
	}
	return KRPCGeneric
}

func (e ErrorBody) message() string {
	if len(e) < 2 {
		return ""
	}
	s, _ := e[1].(string)
	return s
}

// QueryArgs covers every query's "a" dict. Real KRPC implementations
// collapse all query shapes into one tagged struct since the wire
// format carries no variant discriminator beyond the "q" name
// (grounded on the combined-struct idiom anacrolix/torrent/bencode
// callers use for krpc.Msg.A).
type QueryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Seed        int    `bencode:"seed,omitempty"`
	NoSeed      int    `bencode:"noseed,omitempty"`
	Scrape      int    `bencode:"scrape,omitempty"`
	V           []byte `bencode:"v,omitempty"`
	Seq         *int64 `bencode:"seq,omitempty"`
	K           []byte `bencode:"k,omitempty"`
	Sig         []byte `bencode:"sig,omitempty"`
	Cas         *int64 `bencode:"cas,omitempty"`
	Salt        []byte `bencode:"salt,omitempty"`
}

// ReplyArgs covers every reply's "r" dict.
type ReplyArgs struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`  // compact node info, 26 bytes/entry
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"` // compact peer info, 6 bytes/entry
	V      []byte   `bencode:"v,omitempty"`
	Seq    *int64   `bencode:"seq,omitempty"`
	K      []byte   `bencode:"k,omitempty"`
	Sig    []byte   `bencode:"sig,omitempty"`
	IP     string   `bencode:"ip,omitempty"` // BEP-42 IP-echo, compact 6 bytes
}

// EncodeMessage bencodes msg for wire transmission.
func EncodeMessage(msg *Message) ([]byte, error) {
	b, err := bencode.Marshal(msg)
	if err != nil {
		return nil, NewError("encode_message", err, "")
	}
	return b, nil
}

// DecodeMessage parses a raw KRPC packet.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := bencode.Unmarshal(raw, &msg); err != nil {
		return nil, NewKRPCError(KRPCProtocol, "malformed bencode: "+err.Error())
	}
	if msg.T == "" || msg.Y == "" {
		return nil, NewKRPCError(KRPCProtocol, "missing t or y")
	}
	return &msg, nil
}

// encodeCompactEndpoint packs an IPv4 "ip:port" endpoint into 6 bytes.
func encodeCompactEndpoint(ep Endpoint) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(string(ep))
	if err != nil {
		return nil, NewKRPCError(KRPCProtocol, "invalid endpoint: "+err.Error())
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, NewKRPCError(KRPCProtocol, "only IPv4 endpoints are supported")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, NewKRPCError(KRPCProtocol, "invalid port")
	}
	out := make([]byte, 6)
	copy(out[:4], ip)
	out[4] = byte(port >> 8)
	out[5] = byte(port)
	return out, nil
}

func decodeCompactEndpoint(b []byte) (Endpoint, error) {
	if len(b) != 6 {
		return "", NewKRPCError(KRPCProtocol, "bad compact endpoint length")
	}
	ip := net.IP(b[:4])
	port := int(b[4])<<8 | int(b[5])
	return Endpoint(net.JoinHostPort(ip.String(), strconv.Itoa(port))), nil
}

// encodeCompactNodes packs entries as 26-byte (20 id + 6 endpoint) records.
func encodeCompactNodes(entries []*NodeEntry) string {
	out := make([]byte, 0, len(entries)*26)
	for _, e := range entries {
		ep, err := encodeCompactEndpoint(Endpoint(e.Endpoint))
		if err != nil {
			continue
		}
		out = append(out, e.ID[:]...)
		out = append(out, ep...)
	}
	return string(out)
}

func decodeCompactNodes(s string) []*NodeEntry {
	raw := []byte(s)
	var out []*NodeEntry
	for i := 0; i+26 <= len(raw); i += 26 {
		var id NodeID
		copy(id[:], raw[i:i+20])
		ep, err := decodeCompactEndpoint(raw[i+20 : i+26])
		if err != nil {
			continue
		}
		out = append(out, &NodeEntry{ID: id, Endpoint: string(ep)})
	}
	return out
}

func encodeCompactPeer(ep Endpoint) (string, error) {
	b, err := encodeCompactEndpoint(ep)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCompactPeer(s string) (Endpoint, error) {
	return decodeCompactEndpoint([]byte(s))
}
