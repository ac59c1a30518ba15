// Package blocklog stores the irreversible chain as an append-only record
// log with a parallel fixed-width offset index, anchored at genesis.
package blocklog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"jmzkchain/core/types"
)

var (
	ErrNotLinked  = errors.New("block does not extend the log head")
	ErrOutOfRange = errors.New("block number outside the log range")
	ErrEmptyLog   = errors.New("block log is empty")
	ErrCorruptLog = errors.New("block log is corrupt")
)

const (
	logFileName   = "blocks.log"
	indexFileName = "blocks.index"
)

// BlockLog is the append-only archive of irreversible blocks. Records are
// length-prefixed block encodings; the index maps block numbers to offsets.
type BlockLog struct {
	dir   string
	log   *os.File
	index *os.File

	firstNum uint32
	head     *types.SignedBlock
	headID   types.BlockID
}

// Open opens or creates the log in dir and loads the head. A fresh log has
// no head until ResetToGenesis.
func Open(dir string) (*BlockLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logF, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	idxF, err := os.OpenFile(filepath.Join(dir, indexFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		logF.Close()
		return nil, err
	}
	bl := &BlockLog{dir: dir, log: logF, index: idxF}
	if err := bl.loadHead(); err != nil && !errors.Is(err, ErrEmptyLog) {
		bl.Close()
		return nil, err
	}
	return bl, nil
}

func (bl *BlockLog) loadHead() error {
	st, err := bl.index.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return ErrEmptyLog
	}
	if st.Size()%8 != 0 {
		return fmt.Errorf("%w: index size %d not a multiple of 8", ErrCorruptLog, st.Size())
	}
	first, err := bl.readAt(0)
	if err != nil {
		return err
	}
	bl.firstNum = first.BlockNum()
	entries := st.Size() / 8
	head, err := bl.readAt((entries - 1) * 8)
	if err != nil {
		return err
	}
	id, err := head.ID()
	if err != nil {
		return err
	}
	bl.head = head
	bl.headID = id
	return nil
}

func (bl *BlockLog) readAt(indexOffset int64) (*types.SignedBlock, error) {
	var offBuf [8]byte
	if _, err := bl.index.ReadAt(offBuf[:], indexOffset); err != nil {
		return nil, fmt.Errorf("%w: index read: %v", ErrCorruptLog, err)
	}
	off := int64(binary.BigEndian.Uint64(offBuf[:]))
	var lenBuf [4]byte
	if _, err := bl.log.ReadAt(lenBuf[:], off); err != nil {
		return nil, fmt.Errorf("%w: record length read: %v", ErrCorruptLog, err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := bl.log.ReadAt(payload, off+4); err != nil {
		return nil, fmt.Errorf("%w: record read: %v", ErrCorruptLog, err)
	}
	return types.DecodeBlock(payload)
}

// Head returns the newest logged block, nil when the log is empty.
func (bl *BlockLog) Head() *types.SignedBlock { return bl.head }

// HeadID returns the id of the head block.
func (bl *BlockLog) HeadID() types.BlockID { return bl.headID }

// FirstBlockNum returns the number of the genesis anchor record.
func (bl *BlockLog) FirstBlockNum() uint32 { return bl.firstNum }

// ResetToGenesis truncates the log and writes the anchor block.
func (bl *BlockLog) ResetToGenesis(genesisBlock *types.SignedBlock) error {
	if err := bl.log.Truncate(0); err != nil {
		return err
	}
	if err := bl.index.Truncate(0); err != nil {
		return err
	}
	bl.head = nil
	bl.headID = types.BlockID{}
	bl.firstNum = genesisBlock.BlockNum()
	return bl.write(genesisBlock)
}

// Append adds a block; it must link to the current head.
func (bl *BlockLog) Append(block *types.SignedBlock) error {
	if bl.head == nil {
		return fmt.Errorf("%w: log has no genesis anchor", ErrNotLinked)
	}
	if block.Previous != bl.headID || block.BlockNum() != bl.head.BlockNum()+1 {
		return fmt.Errorf("%w: appending %d on head %d", ErrNotLinked, block.BlockNum(), bl.head.BlockNum())
	}
	return bl.write(block)
}

func (bl *BlockLog) write(block *types.SignedBlock) error {
	payload, err := block.Encode()
	if err != nil {
		return err
	}
	off, err := bl.log.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := bl.log.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bl.log.Write(payload); err != nil {
		return err
	}
	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], uint64(off))
	if _, err := bl.index.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := bl.index.Write(offBuf[:]); err != nil {
		return err
	}
	id, err := block.ID()
	if err != nil {
		return err
	}
	bl.head = block
	bl.headID = id
	if bl.firstNum == 0 {
		bl.firstNum = block.BlockNum()
	}
	return nil
}

// ReadBlockByNum fetches a logged block by number.
func (bl *BlockLog) ReadBlockByNum(num uint32) (*types.SignedBlock, error) {
	if bl.head == nil {
		return nil, ErrEmptyLog
	}
	if num < bl.firstNum || num > bl.head.BlockNum() {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, num, bl.firstNum, bl.head.BlockNum())
	}
	return bl.readAt(int64(num-bl.firstNum) * 8)
}

// Close releases the file handles.
func (bl *BlockLog) Close() {
	if bl.log != nil {
		bl.log.Close()
	}
	if bl.index != nil {
		bl.index.Close()
	}
}
