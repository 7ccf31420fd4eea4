package retrieval

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes a float32 slice to little-endian bytes for BLOB storage.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates corruption.
func DecodeVector(b []byte) ([]float32, error) {
	return DecodeVectorInto(nil, b)
}

// DecodeVectorInto decodes into buf, reusing its capacity so that a search
// scan does not allocate per row.
func DecodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// Norm returns the L2 norm of a vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// Cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of
// a so that one query vector can be scored against many rows. Vectors of
// different length or zero norm score 0.
func Cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// Scored is a keyed similarity score.
type Scored struct {
	Key   int64
	Score float64
}

// TopK tracks the k highest scores offered to it.
type TopK struct {
	k int
	h scoredHeap
}

// NewTopK returns a collector for the k best scores. k <= 0 keeps nothing.
func NewTopK(k int) *TopK {
	t := &TopK{k: k}
	heap.Init(&t.h)
	return t
}

// Offer considers one score.
func (t *TopK) Offer(key int64, score float64) {
	if t.k <= 0 {
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, Scored{Key: key, Score: score})
		return
	}
	if score > t.h[0].Score {
		t.h[0] = Scored{Key: key, Score: score}
		heap.Fix(&t.h, 0)
	}
}

// Len returns how many scores are held.
func (t *TopK) Len() int { return t.h.Len() }

// Drain returns the held scores in descending order and empties the collector.
func (t *TopK) Drain() []Scored {
	out := make([]Scored, t.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(Scored)
	}
	return out
}

// scoredHeap is a min-heap ordered by Score, so the weakest of the current
// top-K sits at the root.
type scoredHeap []Scored

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
