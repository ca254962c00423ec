// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package gcbias

// countGC tallies one window of an uppercase {A,C,G,T,N} sequence, returning
// the number of G/C bases and the number of called (non-N) bases.
func countGC(seq []byte) (gc, acgt int) {
	for _, b := range seq {
		switch b {
		case 'G', 'C':
			gc++
			acgt++
		case 'A', 'T':
			acgt++
		}
	}
	return
}

// gcWindow is an incremental nucleotide tally over a half-open window
// [start, end) of one reference sequence.  Both edges move one base at a
// time via popLeft/pushRight, so a scan over every position of a contig
// costs O(1) amortized per step instead of O(window) per step.
//
// Windows are clipped to the sequence: pushRight is a no-op at the end of
// the sequence and reset clamps its arguments, so Len() reports how much of
// the requested window actually fits.
type gcWindow struct {
	seq   []byte
	start int
	end   int
	gc    int // G/C bases in the window
	acgt  int // called (non-N) bases in the window
}

func newGCWindow(seq []byte) *gcWindow {
	return &gcWindow{seq: seq}
}

// reset repositions the window on [start, end), clamped to the sequence,
// and recounts it from scratch.
func (w *gcWindow) reset(start, end int) {
	if start < 0 {
		start = 0
	}
	if end > len(w.seq) {
		end = len(w.seq)
	}
	if end < start {
		end = start
	}
	w.start = start
	w.end = end
	w.gc, w.acgt = countGC(w.seq[start:end])
}

// pushRight extends the window by one base on the right.  No-op at the end
// of the sequence.
func (w *gcWindow) pushRight() {
	if w.end >= len(w.seq) {
		return
	}
	switch w.seq[w.end] {
	case 'G', 'C':
		w.gc++
		w.acgt++
	case 'A', 'T':
		w.acgt++
	}
	w.end++
}

// popLeft shrinks the window by one base on the left.  No-op on an empty
// window.
func (w *gcWindow) popLeft() {
	if w.start >= w.end {
		return
	}
	switch w.seq[w.start] {
	case 'G', 'C':
		w.gc--
		w.acgt--
	case 'A', 'T':
		w.acgt--
	}
	w.start++
}

// GC returns the number of G/C bases in the window.
func (w *gcWindow) GC() int { return w.gc }

// ACGT returns the number of called bases in the window.  A window with
// ACGT() == 0 carries no GC signal.
func (w *gcWindow) ACGT() int { return w.acgt }

// Len returns the current window length.
func (w *gcWindow) Len() int { return w.end - w.start }
