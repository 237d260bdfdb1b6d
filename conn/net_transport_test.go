package conn

import (
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

const (
	personLabel uint8 = iota
	addressLabel
)

type Person struct {
	Name string
	Age  int
}

type Address struct {
	Province string
	Town     string
	Code     int
}

var reflectedTypesMap = map[uint8]reflect.Type{
	personLabel:  reflect.TypeOf(Person{}),
	addressLabel: reflect.TypeOf(Address{}),
}

func newTransport(t *testing.T, maxMsgSize int) (*NetworkTransport, types.Address) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	tran, err := NewTCPTransport("127.0.0.1:0", &NetworkTransportConfig{
		MaxPool:           1,
		ReflectedTypesMap: reflectedTypesMap,
		Key:               key,
		MaxMsgSize:        maxMsgSize,
		InboxSize:         4,
		Logger:            hclog.NewNullLogger(),
		Timeout:           2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tran.Close() })
	return tran, types.Address(sign.Address(key))
}

func receive(t *testing.T, tran *NetworkTransport) Envelope {
	select {
	case env := <-tran.MsgChan():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Envelope{}
	}
}

// TestSimpleComm tests that node2 can send a Person and an Address to node1
// over one pooled connection and that node1 learns node2's address.
func TestSimpleComm(t *testing.T) {
	tran1, _ := newTransport(t, 0)
	tran2, addr2 := newTransport(t, 0)

	person := Person{Name: "seafooler", Age: 18}
	require.NoError(t, tran2.Send(tran1.LocalAddr(), personLabel, &person))
	env := receive(t, tran1)
	require.Equal(t, personLabel, env.Type)
	require.Equal(t, addr2, env.From)
	require.Equal(t, &person, env.Msg.(*Person))

	addr := Address{Province: "hb", Town: "wh", Code: 430000}
	require.NoError(t, tran2.Send(tran1.LocalAddr(), addressLabel, addr))
	env = receive(t, tran1)
	require.Equal(t, &addr, env.Msg.(*Address))
	require.Len(t, tran2.connPool[tran1.LocalAddr()], 1)
}

func TestOversizedMessageDropsConnection(t *testing.T) {
	tran1, _ := newTransport(t, 16)
	tran2, _ := newTransport(t, 0)

	big := Person{Name: string(make([]byte, 64))}
	require.NoError(t, tran2.Send(tran1.LocalAddr(), personLabel, &big))
	select {
	case <-tran1.MsgChan():
		t.Fatal("oversized message delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendAfterClose(t *testing.T) {
	tran1, _ := newTransport(t, 0)
	tran2, _ := newTransport(t, 0)
	require.NoError(t, tran2.Close())
	require.ErrorIs(t, tran2.Send(tran1.LocalAddr(), personLabel, &Person{}), ErrTransportShutdown)
}
