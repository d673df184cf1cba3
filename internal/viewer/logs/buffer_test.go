package logs

import "testing"

func TestBufferSplitsLines(t *testing.T) {
	b := NewBuffer(2)
	b.Write([]byte("first\nsecond par"))
	b.Write([]byte("t\n\n  \nthird\n"))

	got := b.Since(0, "")
	if len(got) != 2 || got[0].Msg != "second part" || got[1].Msg != "third" {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("seq = %d, %d", got[0].Seq, got[1].Seq)
	}
}

func TestBufferParsesPlaintextLayout(t *testing.T) {
	b := NewBuffer(10)
	b.Write([]byte("2026-10-15T10:00:00.000Z\tINFO\tcall\tcall/manager.go:42\t[u2]: call active (voice)\n"))
	b.Write([]byte("2026-10-15T10:00:01.000Z\tWARN\tsignaling\t[u2]: replacing stale call\n"))

	got := b.Since(0, "")
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Level != "info" || got[0].Logger != "call" || got[0].Msg != "[u2]: call active (voice)" {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Level != "warn" || got[1].Logger != "signaling" || got[1].Msg != "[u2]: replacing stale call" {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestBufferSinceFilters(t *testing.T) {
	b := NewBuffer(10)
	b.Write([]byte("t\tINFO\tcall\tx.go:1\tone\n"))
	b.Write([]byte("t\tINFO\tchat\tx.go:1\ttwo\n"))
	b.Write([]byte("t\tINFO\tcall\tx.go:1\tthree\n"))

	if got := b.Since(1, ""); len(got) != 2 || got[0].Msg != "two" {
		t.Fatalf("since 1 = %+v", got)
	}
	if got := b.Since(0, "call"); len(got) != 2 || got[1].Msg != "three" {
		t.Fatalf("call only = %+v", got)
	}
	if got := b.Since(3, ""); len(got) != 0 {
		t.Fatalf("since last = %+v", got)
	}
}

func TestBufferSubscribe(t *testing.T) {
	b := NewBuffer(10)
	ch, cancel := b.Subscribe()
	b.Write([]byte("hello\n"))
	if e := <-ch; e.Msg != "hello" || e.Seq != 1 {
		t.Fatalf("entry = %+v", e)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed")
	}
}
