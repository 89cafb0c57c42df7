package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Allen1211/msgp/msgp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// Manager owns the snapshot images on disk, decoupled from the raft log:
// raft moves only SnapshotMeta, the bulk data travels here as chunk RPCs and
// lands as files under the manager's directory.
//
// Image format: repeated (keyLen u32 | key | valLen u32 | value) records
// followed by a CRC32 (IEEE) of everything before it. The side file
// <name>.meta holds the manifest.

const ChunkSize = 1 << 20

var (
	ErrCorrupt  = errors.New("snapshot image corrupt")
	ErrNotFound = errors.New("snapshot not found")
)

// Manifest pairs the raft position of the image with the shard descriptor it
// was taken under.
type Manifest struct {
	Raft  raft.SnapshotMeta
	Shard common.ShardMeta
}

func (z *Manifest) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.Raft.EncodeMsg(en); err != nil {
		return
	}
	return z.Shard.EncodeMsg(en)
}

func (z *Manifest) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Raft.DecodeMsg(dc); err != nil {
		return
	}
	return z.Shard.DecodeMsg(dc)
}

type Manager struct {
	mu  sync.Mutex
	dir string

	// receiving tracks half-assembled inbound images by name.
	receiving map[string]*inbound

	logger *logrus.Logger
}

type inbound struct {
	file   *os.File
	offset uint64
}

func NewManager(dir string, logger *logrus.Logger) (*Manager, error) {
	if err := utils.CheckAndMkdir(dir); err != nil {
		return nil, err
	}
	return &Manager{
		dir:       dir,
		receiving: map[string]*inbound{},
		logger:    logger,
	}, nil
}

func (m *Manager) imagePath(name string) string {
	return filepath.Join(m.dir, name+".snap")
}

func (m *Manager) metaPath(name string) string {
	return filepath.Join(m.dir, name+".meta")
}

// Build writes a new image of the shard's data range from a consistent
// engine view and returns its name.
func (m *Manager) Build(shard *common.ShardMeta, raftMeta raft.SnapshotMeta, view storage.Snapshot) (string, error) {
	name := uuid.New().String()
	raftMeta.Name = name

	f, err := os.Create(m.imagePath(name) + ".tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())

	h := crc32.NewIEEE()
	w := io.MultiWriter(f, h)
	var kvs, bytes int
	for _, cf := range []byte{storage.DefaultCF, storage.WriteCF, storage.LockCF, storage.RawCF} {
		low, high := storage.CFRange(cf, shard.StartKey, shard.EndKey)
		it := view.Scan(low, high)
		for ; it.Valid(); it.Next() {
			if err := writeRecord(w, it.Key(), it.Value()); err != nil {
				it.Close()
				f.Close()
				return "", err
			}
			kvs++
			bytes += len(it.Key()) + len(it.Value())
		}
		if err := it.Error(); err != nil {
			it.Close()
			f.Close()
			return "", err
		}
		it.Close()
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], h.Sum32())
	if _, err := f.Write(sum[:]); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(f.Name(), m.imagePath(name)); err != nil {
		return "", err
	}
	manifest := Manifest{Raft: raftMeta, Shard: *shard.Clone()}
	if err := utils.WriteFile(m.metaPath(name), utils.MsgpEncode(&manifest)); err != nil {
		return "", err
	}
	m.logger.Infof("snapshot %s built for shard %d: %d kvs, %d bytes, index %d",
		name, shard.ID, kvs, bytes, raftMeta.Index)
	return name, nil
}

func writeRecord(w io.Writer, key, val []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(key)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[:], uint32(len(val)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(val)
	return err
}

// Manifest loads the side file of a stored image.
func (m *Manager) Manifest(name string) (*Manifest, error) {
	data, err := utils.ReadFile(m.metaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var manifest Manifest
	utils.MsgpDecode(data, &manifest)
	return &manifest, nil
}

// Apply replays an image into the engine in bounded batches, verifying the
// checksum first.
func (m *Manager) Apply(name string, engine storage.Engine) error {
	if err := m.verify(name); err != nil {
		return err
	}
	f, err := os.Open(m.imagePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	body := io.LimitReader(f, fi.Size()-4)

	batch := engine.Batch()
	for {
		key, val, err := readRecord(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		batch.Put(key, val)
		if batch.Len() >= 4096 {
			if err := batch.Execute(); err != nil {
				return err
			}
			batch = engine.Batch()
		}
	}
	if batch.Len() > 0 {
		if err := batch.Execute(); err != nil {
			return err
		}
	}
	return engine.Sync()
}

func readRecord(r io.Reader) (key, val []byte, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = ErrCorrupt
		}
		return
	}
	key = make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, ErrCorrupt
	}
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, ErrCorrupt
	}
	val = make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err = io.ReadFull(r, val); err != nil {
		return nil, nil, ErrCorrupt
	}
	return key, val, nil
}

func (m *Manager) verify(name string) error {
	f, err := os.Open(m.imagePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < 4 {
		return ErrCorrupt
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, io.LimitReader(f, fi.Size()-4)); err != nil {
		return err
	}
	var sum [4]byte
	if _, err := io.ReadFull(f, sum[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(sum[:]) != h.Sum32() {
		return ErrCorrupt
	}
	return nil
}

// ReadChunk serves one outbound chunk of a stored image.
func (m *Manager) ReadChunk(name string, offset uint64) (data []byte, last bool, crc uint32, err error) {
	f, err := os.Open(m.imagePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, 0, ErrNotFound
		}
		return nil, false, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, false, 0, err
	}
	buf := make([]byte, ChunkSize)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, false, 0, err
	}
	last = int64(offset)+int64(n) >= fi.Size()
	return buf[:n], last, 0, nil
}

// Chunk is one inbound piece of a streamed image.
type Chunk struct {
	Name   string
	Offset uint64
	Data   []byte
	Last   bool
	Meta   raft.SnapshotMeta
	Shard  common.ShardMeta
}

// ReceiveChunk appends one inbound chunk; on the last chunk the assembled
// image is verified and registered together with its manifest. m.mu covers
// the offset check and the write: a retried chunk RPC racing its timed-out
// predecessor must not interleave writes to the same image.
func (m *Manager) ReceiveChunk(args *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.receiving[args.Name]
	if !ok {
		f, err := os.Create(m.imagePath(args.Name) + ".recv")
		if err != nil {
			return err
		}
		in = &inbound{file: f}
		m.receiving[args.Name] = in
	}

	if args.Offset != in.offset {
		if args.Offset < in.offset {
			// Duplicate chunk after a retried RPC.
			return nil
		}
		return fmt.Errorf("snapshot %s chunk gap: have %d, got %d", args.Name, in.offset, args.Offset)
	}
	if _, err := in.file.Write(args.Data); err != nil {
		return err
	}
	in.offset += uint64(len(args.Data))
	if !args.Last {
		return nil
	}

	if err := in.file.Sync(); err != nil {
		return err
	}
	if err := in.file.Close(); err != nil {
		return err
	}
	delete(m.receiving, args.Name)
	if err := os.Rename(m.imagePath(args.Name)+".recv", m.imagePath(args.Name)); err != nil {
		return err
	}
	if err := m.verify(args.Name); err != nil {
		m.Delete(args.Name)
		return err
	}
	manifest := Manifest{Raft: args.Meta, Shard: args.Shard}
	return utils.WriteFile(m.metaPath(args.Name), utils.MsgpEncode(&manifest))
}

func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.imagePath(name))
	return err == nil
}

func (m *Manager) Delete(name string) {
	_ = utils.DeleteFile(m.imagePath(name))
	_ = utils.DeleteFile(m.metaPath(name))
}

// GC removes every stored image except the ones still referenced.
func (m *Manager) GC(keep map[string]bool) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		base := e.Name()
		ext := filepath.Ext(base)
		if ext != ".snap" && ext != ".meta" {
			continue
		}
		name := base[:len(base)-len(ext)]
		if !keep[name] {
			m.logger.Debugf("snapshot gc removes %s", base)
			_ = os.Remove(filepath.Join(m.dir, base))
		}
	}
}
