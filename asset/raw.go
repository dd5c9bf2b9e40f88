package asset

// Raw is the generic asset implementation: it loads the asset header
// and every present chunk, keeping the bytes in memory. It backs the
// "RawDataAsset" type and is what tooling uses to inspect arbitrary
// containers.
type Raw struct {
	Base

	Header *InitData
	Data   [MaxChunks][]byte
}

// NewRaw returns an unloaded raw asset for the given registry row.
func NewRaw(info Info) *Raw {
	return &Raw{Base: NewBase(info)}
}

// Load reads the header and all present chunks.
func (r *Raw) Load(s Storage) error {
	if s == nil {
		return ErrNotFound
	}
	pin := s.LockChunks()
	defer pin.Release()

	header, err := s.LoadAssetHeader(r.ID())
	if err != nil {
		return err
	}
	r.Header = header
	for slot, index := range header.ChunkMap {
		if index < 0 {
			continue
		}
		if s.Cancelled() {
			return ErrCancelled
		}
		if err := s.LoadAssetChunk(index); err != nil {
			return err
		}
		data, err := s.ChunkData(index)
		if err != nil {
			return err
		}
		// keep our own copy so chunk eviction cannot pull the
		// bytes out from under us
		r.Data[slot] = append([]byte(nil), data...)
	}
	return nil
}

// Unload drops the loaded header and chunk copies.
func (r *Raw) Unload() {
	r.Header = nil
	r.Data = [MaxChunks][]byte{}
}

// RawFactory creates Raw assets. It supports virtual instances.
type RawFactory struct{}

// New returns an unloaded raw asset.
func (RawFactory) New(info Info) (Asset, error) {
	return NewRaw(info), nil
}

// NewVirtual returns an empty raw asset with no backing file. It is
// immediately considered loaded.
func (RawFactory) NewVirtual(info Info) (Asset, error) {
	r := NewRaw(info)
	r.FinishLoad(nil)
	return r, nil
}
