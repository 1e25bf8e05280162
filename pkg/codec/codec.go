// Package codec provides the serializers used for variable-length
// metadata blobs inside shared-memory records (tensor names and shapes,
// error payloads) and for worker payload envelopes. Arena records use the
// deterministic CBOR codec so that both processes produce identical bytes
// for identical values.
package codec

// Format tags a blob with the codec that produced it.
type Format uint8

const (
	FormatJSON Format = iota
	FormatCBOR
	FormatProto
)

// Codec marshals typed values. Implementations must be deterministic;
// arena blobs are compared byte-wise in tests.
type Codec interface {
	Format() Format
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps formats to codecs.
type Registry struct {
	byFormat map[Format]Codec
}

// NewRegistry returns a registry preloaded with every built-in codec.
func NewRegistry() *Registry {
	r := &Registry{byFormat: make(map[Format]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Proto())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) { r.byFormat[c.Format()] = c }

// Get returns the codec for a format, or nil.
func (r *Registry) Get(f Format) Codec { return r.byFormat[f] }
