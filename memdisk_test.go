package ps2mc

import "io"

// memDisk is a minimal in-memory io.ReadWriteSeeker standing in for a
// card image file, sized and grown on demand the way an *os.File would
// be after Truncate.
type memDisk struct {
	buf []byte
	pos int64
}

func newMemDisk(size int) *memDisk {
	return &memDisk{buf: make([]byte, size)}
}

func (m *memDisk) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)

	return n, nil
}

func (m *memDisk) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}

	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)

	return n, nil
}

func (m *memDisk) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	}

	m.pos = newPos

	return m.pos, nil
}

// formattedCard returns a freshly formatted standard-geometry card and
// the FS opened on top of it, ready for tests to exercise.
func formattedCard(pages uint32) (*memDisk, *FS, error) {
	if pages == 0 {
		pages = StandardPagesPerCard
	}

	size := int(pages) * (StandardPageSize + StandardSpareSize)
	disk := newMemDisk(size)

	if err := Format(disk, FormatParams{Pages: pages}); err != nil {
		return nil, nil, err
	}

	fs, err := Open(disk, false)
	if err != nil {
		return nil, nil, err
	}

	return disk, fs, nil
}
