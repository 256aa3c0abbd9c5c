package codec

// sizeTolerance absorbs the AEAD tag and rounding slack on top of the
// declared filesize when bounding the receive buffer.
const sizeTolerance = 64 * 1024

// Assembler reassembles a chunked transfer on the receiving side. It is not
// safe for concurrent use; each connection drives its own assembler.
type Assembler struct {
	maxFileSize int64

	filename string
	filesize int64
	opts     Options

	chunks   [][]byte
	buffered int64
	pending  []byte
	hasPend  bool
	nextID   int
	total    int
	active   bool
	done     bool
}

// Options mirrors the encryption options declared in the start message.
type Options struct {
	Method         string
	IntegrityCheck bool
}

// NewAssembler bounds every transfer it handles to maxFileSize declared
// bytes. A non-positive maxFileSize disables the bound.
func NewAssembler(maxFileSize int64) *Assembler {
	return &Assembler{maxFileSize: maxFileSize}
}

// Start resets per-transfer state. The declared filesize is an untrusted
// hint; oversized declarations are rejected up front.
func (a *Assembler) Start(filename string, filesize int64, opts Options) error {
	if filesize < 0 {
		return ErrFileTooLarge
	}
	if a.maxFileSize > 0 && filesize > a.maxFileSize {
		return ErrFileTooLarge
	}
	a.filename = filename
	a.filesize = filesize
	a.opts = opts
	a.chunks = nil
	a.buffered = 0
	a.pending = nil
	a.hasPend = false
	a.nextID = 0
	a.total = 0
	a.active = true
	a.done = false
	return nil
}

// AppendChunk buffers a binary frame until its control frame arrives.
func (a *Assembler) AppendChunk(data []byte) error {
	if !a.active {
		return ErrNoTransfer
	}
	if a.hasPend {
		return ErrUnpairedChunk
	}
	if a.buffered+int64(len(data)) > a.filesize+sizeTolerance {
		a.active = false
		return ErrOversizedTransfer
	}
	a.pending = data
	a.hasPend = true
	return nil
}

// FinishChunk pairs the buffered binary frame with its metadata. It reports
// completion when the final chunk has been paired.
func (a *Assembler) FinishChunk(chunkID, totalChunks int) (complete bool, err error) {
	if !a.active {
		return false, ErrNoTransfer
	}
	if !a.hasPend {
		return false, ErrNoPendingChunk
	}
	if chunkID != a.nextID {
		a.active = false
		return false, ErrChunkOutOfOrder
	}
	if a.total == 0 {
		a.total = totalChunks
	} else if totalChunks != a.total {
		a.active = false
		return false, ErrChunkOutOfOrder
	}

	a.chunks = append(a.chunks, a.pending)
	a.buffered += int64(len(a.pending))
	a.pending = nil
	a.hasPend = false
	a.nextID++

	if chunkID == a.total-1 {
		a.done = true
		a.active = false
		return true, nil
	}
	return false, nil
}

// Bytes concatenates the buffered chunks in chunk_id order. Valid once
// FinishChunk has reported completion.
func (a *Assembler) Bytes() []byte {
	out := make([]byte, 0, a.buffered)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

// Progress is the percentage of chunks paired so far.
func (a *Assembler) Progress() int {
	if a.total == 0 {
		return 0
	}
	pct := a.nextID * 100 / a.total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (a *Assembler) Filename() string { return a.filename }
func (a *Assembler) Filesize() int64  { return a.filesize }
func (a *Assembler) Done() bool       { return a.done }
func (a *Assembler) Active() bool     { return a.active }
