package retrieval

import (
	"math"
	"testing"
)

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func TestEncodeDecode(t *testing.T) {
	in := makeTestVector(384, 0.25)
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d floats, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeVector_Corrupt(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte blob")
	}
}

func TestDecodeVectorInto_ReusesBuffer(t *testing.T) {
	buf := make([]float32, 0, 8)
	out, err := DecodeVectorInto(buf, EncodeVector([]float32{1, 2}))
	if err != nil {
		t.Fatalf("DecodeVectorInto: %v", err)
	}
	if &out[0] != &buf[:1][0] {
		t.Error("buffer was reallocated")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero row", []float32{1, 2}, []float32{0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b, Norm(tt.a))
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopK_KeepsBestDescending(t *testing.T) {
	top := NewTopK(3)
	for i, s := range []float64{0.1, 0.9, 0.4, 0.7, 0.2, 0.8} {
		top.Offer(int64(i), s)
	}
	got := top.Drain()
	want := []Scored{{Key: 1, Score: 0.9}, {Key: 5, Score: 0.8}, {Key: 3, Score: 0.7}}
	if len(got) != len(want) {
		t.Fatalf("got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if top.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", top.Len())
	}
}

func TestTopK_ZeroKeepsNothing(t *testing.T) {
	top := NewTopK(0)
	top.Offer(1, 1)
	if top.Len() != 0 {
		t.Errorf("Len = %d, want 0", top.Len())
	}
}
