package node

import "testing"

func Test_EncodeDecode_Leaf(t *testing.T) {
	leaf := Leaf{Entries: []LeafEntry{
		{Key: []byte("a"), ValueRef: 10},
		{Key: []byte("b"), ValueRef: 20},
	}}
	payload := EncodeLeaf(leaf)

	tag, length, err := DecodeEnvelope(payload[:5])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if tag != TypeLeaf {
		t.Fatalf("expected TypeLeaf, got %v", tag)
	}

	n, err := Decode(0, payload[:5], payload[5:5+int(length)+4])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(n.Leaf.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(n.Leaf.Entries))
	}
	if string(n.Leaf.Entries[0].Key) != "a" || n.Leaf.Entries[0].ValueRef != 10 {
		t.Errorf("entry 0 mismatch: %+v", n.Leaf.Entries[0])
	}
	if string(n.Leaf.Entries[1].Key) != "b" || n.Leaf.Entries[1].ValueRef != 20 {
		t.Errorf("entry 1 mismatch: %+v", n.Leaf.Entries[1])
	}
}

func Test_EncodeDecode_Branch(t *testing.T) {
	branch := Branch{Entries: []BranchEntry{
		{MinKey: []byte("a"), Child: 100},
		{MinKey: []byte("m"), Child: 200},
	}}
	payload := EncodeBranch(branch)

	_, length, err := DecodeEnvelope(payload[:5])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	n, err := Decode(0, payload[:5], payload[5:5+int(length)+4])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(n.Branch.Entries) != 2 || n.Branch.Entries[1].Child != 200 {
		t.Fatalf("unexpected branch: %+v", n.Branch)
	}
}

func Test_EncodeDecode_Header(t *testing.T) {
	hdr := Header{RootOffset: 123, Size: 45, Dirt: 6}
	payload := EncodeHeader(hdr)
	if len(payload) != HeaderFrameSize {
		t.Fatalf("expected fixed header frame size %d, got %d", HeaderFrameSize, len(payload))
	}

	_, length, err := DecodeEnvelope(payload[:5])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	n, err := Decode(0, payload[:5], payload[5:5+int(length)+4])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.Header != hdr {
		t.Fatalf("expected %+v, got %+v", hdr, n.Header)
	}
}

func Test_Decode_RejectsCorruptChecksum(t *testing.T) {
	payload := EncodeValue([]byte("hello"))
	corrupt := append([]byte(nil), payload...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, length, err := DecodeEnvelope(corrupt[:5])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	_, err = Decode(0, corrupt[:5], corrupt[5:5+int(length)+4])
	if err == nil {
		t.Fatal("expected checksum mismatch to be rejected")
	}
	if _, ok := err.(*ErrCorrupt); !ok {
		t.Fatalf("expected *ErrCorrupt, got %T", err)
	}
}

func Test_Deleted_HasNoPayload(t *testing.T) {
	payload := EncodeDeleted()
	_, length, err := DecodeEnvelope(payload[:5])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if length != 0 {
		t.Fatalf("expected zero-length tombstone payload, got %d", length)
	}
	n, err := Decode(0, payload[:5], payload[5:5+int(length)+4])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.Tag != TypeDeleted {
		t.Fatalf("expected TypeDeleted, got %v", n.Tag)
	}
}
