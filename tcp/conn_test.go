package tcp_test

import (
	"testing"
	"time"

	"go.netsim.dev/hoststack/hosterr"
	"go.netsim.dev/hoststack/tcp"
)

// TestHandshakeAndShortWrite mirrors §8 scenario 1: active open, three-way
// handshake, then a short write that's delivered and acknowledged.
func TestHandshakeAndShortWrite(t *testing.T) {
	now := time.Unix(0, 0)
	client := tcp.NewActive(now, 1)
	server := tcp.NewPassive(2)

	syn := client.OpenActive()
	if client.State() != tcp.SynSent {
		t.Fatalf("client state = %v, want SynSent", client.State())
	}

	outs, _, err := server.Input(tcp.Segment{Header: syn.Header, Now: now})
	if err != nil || len(outs) != 1 {
		t.Fatalf("server SYN handling: outs=%v err=%v", outs, err)
	}
	if server.State() != tcp.SynRcvd {
		t.Fatalf("server state = %v, want SynRcvd", server.State())
	}
	synAck := outs[0]

	outs, _, err = client.Input(tcp.Segment{Header: synAck.Header, Now: now})
	if err != nil || len(outs) != 1 {
		t.Fatalf("client SYNACK handling: outs=%v err=%v", outs, err)
	}
	if client.State() != tcp.Established {
		t.Fatalf("client state = %v, want Established", client.State())
	}
	ack := outs[0]

	if _, _, err := server.Input(tcp.Segment{Header: ack.Header, Now: now}); err != nil {
		t.Fatalf("server ACK handling: %v", err)
	}
	if server.State() != tcp.Established {
		t.Fatalf("server state = %v, want Established", server.State())
	}

	n, dataOut := client.Write([]byte("hello"))
	if n != 5 || dataOut == nil {
		t.Fatalf("Write = %d, %v", n, dataOut)
	}

	outs, _, err = server.Input(tcp.Segment{Header: dataOut.Header, Payload: dataOut.Payload, Now: now})
	if err != nil || len(outs) != 1 {
		t.Fatalf("server data handling: outs=%v err=%v", outs, err)
	}

	buf := make([]byte, 16)
	n, err = server.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("server Read = %q, %v", buf[:n], err)
	}
}

// TestSynRetransmitSchedule mirrors §8 scenario 2: an unanswered SYN is
// retried at the fixed 15s interval.
func TestSynRetransmitSchedule(t *testing.T) {
	now := time.Unix(0, 0)
	client := tcp.NewActive(now, 3)
	client.OpenActive()

	if got := client.NextRTO(); got != 15*time.Second {
		t.Fatalf("NextRTO = %v, want 15s", got)
	}
	out, err := client.RetransmitDue()
	if err != nil || out == nil || out.Header.Flags&tcp.FlagSYN == 0 {
		t.Fatalf("first retry: out=%v err=%v", out, err)
	}
}

// TestSynRetryExhaustion mirrors §8 scenario 3: after 3 retries with no
// response, the connection gives up with TimedOut.
func TestSynRetryExhaustion(t *testing.T) {
	client := tcp.NewActive(time.Unix(0, 0), 4)
	client.OpenActive()

	for i := 0; i < 3; i++ {
		if _, err := client.RetransmitDue(); err != nil {
			t.Fatalf("retry %d: unexpected error %v", i, err)
		}
	}
	_, err := client.RetransmitDue()
	if !hosterr.Is(err, hosterr.TimedOut) {
		t.Fatalf("err = %v, want TimedOut", err)
	}
	if client.State() != tcp.Closed {
		t.Fatalf("state = %v, want Closed", client.State())
	}
}

// TestPassiveCloseWithData mirrors §8 scenario 4: the peer sends data then
// FIN; the receiver drains the data, observes CloseWait, and closes in turn
// through LastAck.
func TestPassiveCloseWithData(t *testing.T) {
	now := time.Unix(0, 0)
	client := tcp.NewActive(now, 5)
	server := tcp.NewPassive(6)

	syn := client.OpenActive()
	outs, _, _ := server.Input(tcp.Segment{Header: syn.Header, Now: now})
	outs, _, _ = client.Input(tcp.Segment{Header: outs[0].Header, Now: now})
	server.Input(tcp.Segment{Header: outs[0].Header, Now: now})

	_, dataOut := client.Write([]byte("bye-data"))
	server.Input(tcp.Segment{Header: dataOut.Header, Payload: dataOut.Payload, Now: now})

	finOut, err := client.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.State() != tcp.FinWait1 {
		t.Fatalf("client state = %v, want FinWait1", client.State())
	}

	outs, _, err = server.Input(tcp.Segment{Header: finOut.Header, Now: now})
	if err != nil {
		t.Fatalf("server FIN handling: %v", err)
	}
	if server.State() != tcp.CloseWait {
		t.Fatalf("server state = %v, want CloseWait", server.State())
	}

	buf := make([]byte, 32)
	n, _ := server.Read(buf)
	if string(buf[:n]) != "bye-data" {
		t.Fatalf("Read = %q", buf[:n])
	}

	lastAckFin, err := server.Close()
	if err != nil || server.State() != tcp.LastAck {
		t.Fatalf("server Close: state=%v err=%v", server.State(), err)
	}

	finalAck := outs[len(outs)-1]
	_, _, err = client.Input(tcp.Segment{Header: finalAck.Header, Now: now})
	if err != nil {
		t.Fatalf("client ack-of-fin handling: %v", err)
	}

	_, timer, err := client.Input(tcp.Segment{Header: lastAckFin.Header, Now: now})
	if err != nil {
		t.Fatalf("client FIN handling: %v", err)
	}
	if client.State() != tcp.TimeWait {
		t.Fatalf("client state = %v, want TimeWait", client.State())
	}
	if timer != tcp.TimerTimeWait {
		t.Fatalf("timer = %v, want TimerTimeWait", timer)
	}
	if !client.TimeWaitExpired(now.Add(5 * time.Minute)) {
		t.Fatal("expected TimeWait to have expired after 5 minutes")
	}
}

// establishedPair drives client/server through the three-way handshake and
// returns both Established, for tests that only care about post-handshake
// behavior.
func establishedPair(t *testing.T, now time.Time, clientSeed, serverSeed int64) (*tcp.Conn, *tcp.Conn) {
	t.Helper()
	client := tcp.NewActive(now, clientSeed)
	server := tcp.NewPassive(serverSeed)

	syn := client.OpenActive()
	outs, _, err := server.Input(tcp.Segment{Header: syn.Header, Now: now})
	if err != nil {
		t.Fatalf("server SYN handling: %v", err)
	}
	outs, _, err = client.Input(tcp.Segment{Header: outs[0].Header, Now: now})
	if err != nil {
		t.Fatalf("client SYNACK handling: %v", err)
	}
	if _, _, err := server.Input(tcp.Segment{Header: outs[0].Header, Now: now}); err != nil {
		t.Fatalf("server ACK handling: %v", err)
	}
	return client, server
}

// TestChallengeAckOnNonExactRst covers §4.4: an RST whose SEQ lands inside
// the receive window but doesn't exactly match RCV.NXT only elicits a
// challenge ACK, it never tears down the connection outright (RFC 5961
// §3.2 blind-reset mitigation).
func TestChallengeAckOnNonExactRst(t *testing.T) {
	now := time.Unix(0, 0)
	_, server := establishedPair(t, now, 10, 11)

	// One past RCV.NXT: still inside the open receive window (segLen==0,
	// rcvWnd>0 accepts any seq in [RCV.NXT, RCV.NXT+RCV.WND)), but not an
	// exact match, so this must draw a challenge ACK rather than close.
	badRst := tcp.Header{Seq: uint32(server.RcvNxt()) + 1, Flags: tcp.FlagRST}
	outs, _, err := server.Input(tcp.Segment{Header: badRst, Now: now})
	if err != nil {
		t.Fatalf("challenge-ACK path returned an error: %v", err)
	}
	if server.State() != tcp.Established {
		t.Fatalf("server state = %v, want still Established", server.State())
	}
	if len(outs) != 1 || outs[0].Header.Flags&tcp.FlagRST != 0 || outs[0].Header.Flags&tcp.FlagACK == 0 {
		t.Fatalf("outs = %+v, want exactly one challenge ACK", outs)
	}
}

// TestRstSuppressedErrorInHalfClosedStates covers §4.4: an exact-RCV.NXT RST
// still closes the connection, but no error is surfaced for Closing,
// TimeWait, or LastAck — those are already tearing down.
func TestRstSuppressedErrorInHalfClosedStates(t *testing.T) {
	now := time.Unix(0, 0)
	client, server := establishedPair(t, now, 20, 21)

	// The peer closes first, so the server's own Close goes
	// CloseWait -> LastAck.
	fin, err := client.Close()
	if err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if _, _, err := server.Input(tcp.Segment{Header: fin.Header, Now: now}); err != nil {
		t.Fatalf("server FIN handling: %v", err)
	}

	_, err = server.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if server.State() != tcp.LastAck {
		t.Fatalf("server state = %v, want LastAck", server.State())
	}

	exactRst := tcp.Header{Seq: uint32(server.RcvNxt()), Flags: tcp.FlagRST}
	_, _, err = server.Input(tcp.Segment{Header: exactRst, Now: now})
	if err != nil {
		t.Fatalf("RST from LastAck should not surface an error, got %v", err)
	}
	if server.State() != tcp.Closed {
		t.Fatalf("server state = %v, want Closed", server.State())
	}
}

// TestExactRstClosesAndErrorsFromEstablished confirms the Established case
// still reports ConnectionReset (only the three half-closed states above
// suppress it).
func TestExactRstClosesAndErrorsFromEstablished(t *testing.T) {
	now := time.Unix(0, 0)
	_, server := establishedPair(t, now, 30, 31)

	exactRst := tcp.Header{Seq: uint32(server.RcvNxt()), Flags: tcp.FlagRST}
	_, _, err := server.Input(tcp.Segment{Header: exactRst, Now: now})
	if !hosterr.Is(err, hosterr.ConnectionReset) {
		t.Fatalf("err = %v, want ConnectionReset", err)
	}
	if server.State() != tcp.Closed {
		t.Fatalf("server state = %v, want Closed", server.State())
	}
}

// TestDeliverErrorSurfacesOnRead covers §4.4's ICMP coupling: a hard error
// delivered out-of-band (an ICMP destination-unreachable matched to this
// connection) surfaces on the next Read.
func TestDeliverErrorSurfacesOnRead(t *testing.T) {
	now := time.Unix(0, 0)
	_, server := establishedPair(t, now, 40, 41)

	server.DeliverError(hosterr.New("tcp.DeliverError", hosterr.ConnectionRefused))
	buf := make([]byte, 8)
	_, err := server.Read(buf)
	if !hosterr.Is(err, hosterr.ConnectionRefused) {
		t.Fatalf("Read err = %v, want ConnectionRefused", err)
	}
}

// TestDeliverErrorAbortsPendingConnect covers the SynSent case: an ICMP
// error delivered before the handshake completes aborts the attempt
// immediately rather than waiting for a Read that will never come.
func TestDeliverErrorAbortsPendingConnect(t *testing.T) {
	client := tcp.NewActive(time.Unix(0, 0), 50)
	client.OpenActive()

	client.DeliverError(hosterr.New("tcp.DeliverError", hosterr.ConnectionRefused))
	if client.State() != tcp.Closed {
		t.Fatalf("state = %v, want Closed", client.State())
	}
	if !hosterr.Is(client.PendingError(), hosterr.ConnectionRefused) {
		t.Fatalf("PendingError = %v, want ConnectionRefused", client.PendingError())
	}
}
