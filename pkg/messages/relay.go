package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const (
	// ProxyChannel is the plugin channel the proxy listens on.
	ProxyChannel = "BungeeCord"

	relayPrefix    = "rpc"
	relayDelimiter = "::"
)

// EncodeRelayPayload renders rpc::<secret>::<action>::<callerId>.
func EncodeRelayPayload(secret string, m Message) (string, error) {
	if m.Action == ActionUnknown {
		return "", fmt.Errorf("cannot encode unknown action")
	}
	if strings.Contains(secret, relayDelimiter) {
		return "", fmt.Errorf("secret must not contain %q", relayDelimiter)
	}
	return strings.Join([]string{relayPrefix, secret, m.Action.String(), callerString(m.Caller)}, relayDelimiter), nil
}

// DecodeRelayPayload splits a relay payload into its secret and message.
// The secret is returned unchecked; comparing it is the listener's job.
func DecodeRelayPayload(payload string) (string, Message, error) {
	parts := strings.Split(payload, relayDelimiter)
	if len(parts) != 4 || parts[0] != relayPrefix {
		return "", Message{}, fmt.Errorf("malformed relay payload")
	}
	action, err := ParseAction(parts[2])
	if err != nil {
		return "", Message{}, err
	}
	caller, err := parseCaller(parts[3])
	if err != nil {
		return "", Message{}, err
	}
	return parts[1], Message{Action: action, Caller: caller}, nil
}

// EncodeForwardFrame builds the proxy "Forward" request delivering payload to
// targetNode on channelID. The payload is a length-prefixed UTF string.
func EncodeForwardFrame(targetNode, channelID, payload string) ([]byte, error) {
	inner, err := utfBytes(payload)
	if err != nil {
		return nil, err
	}
	frame := &bytes.Buffer{}
	for _, s := range []string{"Forward", targetNode, channelID} {
		if err := writeUTF(frame, s); err != nil {
			return nil, err
		}
	}
	if err := writeBlock(frame, inner); err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}

// DecodeForwardFrame parses a Forward frame, as received by the websocket
// bridge endpoint.
func DecodeForwardFrame(data []byte) (targetNode, channelID, payload string, err error) {
	r := bytes.NewReader(data)
	sub, err := readUTF(r)
	if err != nil {
		return "", "", "", err
	}
	if sub != "Forward" {
		return "", "", "", fmt.Errorf("unexpected subcommand %q", sub)
	}
	if targetNode, err = readUTF(r); err != nil {
		return "", "", "", err
	}
	if channelID, err = readUTF(r); err != nil {
		return "", "", "", err
	}
	payload, err = readBlock(r)
	return targetNode, channelID, payload, err
}

// EncodeDelivered builds the frame the proxy hands the target node:
// channelID followed by the length-prefixed payload.
func EncodeDelivered(channelID, payload string) ([]byte, error) {
	inner, err := utfBytes(payload)
	if err != nil {
		return nil, err
	}
	frame := &bytes.Buffer{}
	if err := writeUTF(frame, channelID); err != nil {
		return nil, err
	}
	if err := writeBlock(frame, inner); err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}

// DecodeDelivered parses a frame received from the proxy on ProxyChannel.
func DecodeDelivered(data []byte) (channelID, payload string, err error) {
	r := bytes.NewReader(data)
	if channelID, err = readUTF(r); err != nil {
		return "", "", err
	}
	payload, err = readBlock(r)
	return channelID, payload, err
}

// EncodeConnectFrame asks the proxy to move the sending player to server.
func EncodeConnectFrame(server string) ([]byte, error) {
	frame := &bytes.Buffer{}
	if err := writeUTF(frame, "Connect"); err != nil {
		return nil, err
	}
	if err := writeUTF(frame, server); err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}

// DecodeConnectFrame returns the target server of a Connect request.
func DecodeConnectFrame(data []byte) (string, error) {
	r := bytes.NewReader(data)
	sub, err := readUTF(r)
	if err != nil {
		return "", err
	}
	if sub != "Connect" {
		return "", fmt.Errorf("unexpected subcommand %q", sub)
	}
	return readUTF(r)
}

func utfBytes(s string) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := writeUTF(buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBlock(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint16 {
		return fmt.Errorf("relay payload too large: %d bytes", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlock(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read payload length: %w", err)
	}
	inner := make([]byte, n)
	if _, err := io.ReadFull(r, inner); err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}
	return readUTF(bytes.NewReader(inner))
}

func writeUTF(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readUTF(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read string length: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read string: %w", err)
	}
	return string(b), nil
}
