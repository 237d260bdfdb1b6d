package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	ErrUnknownMsgType    = errors.New("unknown message type")
	ErrMsgTooLarge       = errors.New("message too large")
)

// Envelope is a decoded packet together with the address that signed it.
// Msg holds a pointer to a value of the registered type.
type Envelope struct {
	Type uint8
	Msg  interface{}
	From types.Address
	Size int
}

func packetHash(msgType uint8, payload []byte) [32]byte {
	return sign.Keccak256([]byte{msgType}, payload)
}

/*
NetworkTransport provides a network based transport that can be
used to communicate with the remote nodes. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Each packet is framed by sending a byte that indicates the message type,
followed by the msgpack payload and the sender's recoverable signature over
the type and payload.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	msgCh chan Envelope // msgCh hands decoded packets to the packet handler

	reflectedTypesMap map[uint8]reflect.Type
	maxMsgSize        int
	key               *secp256k1.PrivateKey

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// MsgChan returns the channel decoded packets are delivered on.
func (n *NetworkTransport) MsgChan() <-chan Envelope {
	return n.msgCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if n.IsShutdown() {
				return
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Trace("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, types.Handle())

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, dec); err != nil {
			if err != io.EOF && !errors.Is(err, ErrTransportShutdown) {
				n.logger.Warn("dropping connection", "remote-address", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
	}
}

// handleMsg decodes a single packet and hands it to msgCh.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	// Get the msg type
	msgType, err := r.ReadByte()
	if err != nil {
		return err
	}
	reflectedType, ok := n.reflectedTypesMap[msgType]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMsgType, msgType)
	}

	var payload, sig []byte
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	if err := dec.Decode(&sig); err != nil {
		return err
	}
	if n.maxMsgSize > 0 && len(payload) > n.maxMsgSize {
		return fmt.Errorf("%w: %d bytes", ErrMsgTooLarge, len(payload))
	}
	from, err := sign.Recover(sig, packetHash(msgType, payload))
	if err != nil {
		return err
	}
	msg := reflect.New(reflectedType)
	if err := types.Decode(payload, msg.Interface()); err != nil {
		return err
	}

	select {
	case n.msgCh <- Envelope{Type: msgType, Msg: msg.Interface(), From: types.Address(from), Size: len(payload)}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.streamCancel()
		n.stream.Close()
		n.shutdown = true

		n.connPoolLock.Lock()
		for _, conns := range n.connPool {
			for _, c := range conns {
				c.Release()
			}
		}
		n.connPool = make(map[string][]*NetConn)
		n.connPoolLock.Unlock()
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	// Dial a new connection
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, types.Handle())
	return netC, nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	// Check for an exiting conn
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		return netC, nil
	}

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool.
// To avoid establishing connections repeatedly, try to maintain the net connection for later reusage.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]

	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// DropConns releases every pooled connection to target.
func (n *NetworkTransport) DropConns(target string) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	for _, c := range n.connPool[target] {
		c.Release()
	}
	delete(n.connPool, target)
}

// Send signs msg and writes it to target over a pooled connection.
func (n *NetworkTransport) Send(target string, msgType uint8, msg interface{}) error {
	payload, err := types.Encode(msg)
	if err != nil {
		return err
	}
	sig := sign.Sign(n.key, packetHash(msgType, payload))
	netConn, err := n.GetConn(target)
	if err != nil {
		return err
	}
	netConn.setDeadline(n.timeout)
	if err := SendMsg(netConn, msgType, payload, sig); err != nil {
		return err
	}
	return n.ReturnConn(netConn)
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	// Key signs every outgoing packet.
	Key *secp256k1.PrivateKey

	// MaxMsgSize bounds a decoded payload, 0 means unbounded.
	MaxMsgSize int

	// InboxSize is the buffer of MsgChan.
	InboxSize int

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply I/O deadlines.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dagpbft-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	inbox := config.InboxSize
	if inbox <= 0 {
		inbox = 1
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		msgCh:             make(chan Envelope, inbox),
		reflectedTypesMap: config.ReflectedTypesMap,
		maxMsgSize:        config.MaxMsgSize,
		key:               config.Key,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// SendMsg writes one framed packet.
func SendMsg(conn *NetConn, msgType uint8, payload, sig []byte) error {
	// Write the msg type
	if err := conn.w.WriteByte(msgType); err != nil {
		conn.Release()
		return err
	}

	if err := conn.enc.Encode(payload); err != nil {
		conn.Release()
		return err
	}

	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}
