package parse

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_Enable(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriters(&buf, nil, nil)
	defer SetLogWriters(nil, nil, nil)

	if opsLogger == nil {
		t.Fatal("opsLogger should be non-nil after SetLogWriters with a writer")
	}
	if diagLogger != nil || traceLogger != nil {
		t.Fatal("diag and trace loggers should be nil when passed nil writers")
	}
}

func TestSetLogWriters_Disable(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriters(&buf, &buf, &buf)
	SetLogWriters(nil, nil, nil)

	if opsLogger != nil || diagLogger != nil || traceLogger != nil {
		t.Fatal("all loggers should be nil after SetLogWriters(nil, nil, nil)")
	}
	// must not panic with streams disabled
	opsf("x")
	diagf("x")
	tracef("x")
}

func TestUnknownProductWarnsOnOps(t *testing.T) {
	var ops bytes.Buffer
	SetLogWriters(&ops, nil, nil)
	defer SetLogWriters(nil, nil, nil)

	var blocks [BLOCKS_PER_PACKET]DataBlock
	pkt := EncodePacket(&blocks, PacketInfo{ReturnMode: ReturnStrongest, Product: 0x99})
	if _, err := NewVLP16Parser(0).ParsePacket(pkt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ops.String(), "[vlp16] ") || !strings.Contains(ops.String(), "0x99") {
		t.Errorf("expected ops warning for unknown product, got %q", ops.String())
	}
}
