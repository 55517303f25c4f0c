// Copyright 2025 Galad Dirie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import "github.com/galaddirie/flowline/pkg/draft"

// opRing retains the most recent applied operations for incremental sync.
// Clients older than the window get a full sync instead.
type opRing struct {
	buf   []draft.Operation
	start int
	count int
}

func newOpRing(size int) *opRing {
	return &opRing{buf: make([]draft.Operation, size)}
}

func (r *opRing) push(op draft.Operation) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = op
		r.count++
		return
	}
	r.buf[r.start] = op
	r.start = (r.start + 1) % len(r.buf)
}

// oldestSeq returns the lowest retained seq, or 0 when empty.
func (r *opRing) oldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.start].Seq
}

// since returns the retained operations with seq > clientSeq, in order.
// ok is false when the window no longer covers clientSeq.
func (r *opRing) since(clientSeq uint64) ([]draft.Operation, bool) {
	if r.count == 0 {
		return nil, clientSeq == 0
	}
	if clientSeq+1 < r.oldestSeq() {
		return nil, false
	}
	var out []draft.Operation
	for i := 0; i < r.count; i++ {
		op := r.buf[(r.start+i)%len(r.buf)]
		if op.Seq > clientSeq {
			out = append(out, op)
		}
	}
	return out, true
}
