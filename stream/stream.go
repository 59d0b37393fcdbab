/*Package stream allocates the shared output buffers of acquisition streams.

A Registry hands out one double buffer per analog stream, backed by a file in
a shared memory directory so other processes can map it.  Next to the buffer
it writes a YAML descriptor naming the buffer file, its shape, the channels
and the endpoint on which positions are published.  A reader needs only the
descriptor to attach.
*/
package stream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/golacq/dbuf"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/stream")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

var (
	// ErrExists is generated when a stream name is already registered
	ErrExists = errors.New("stream already exists")

	// ErrNotFound is generated for an unknown stream name
	ErrNotFound = errors.New("stream not found")
)

// Name is the conventional name of the analog stream of a board
func Name(board string, n int) string {
	return fmt.Sprintf("%s #%d Analog", board, n)
}

// Channel describes one channel of a stream
type Channel struct {
	Index int     `yaml:"index"`
	Name  string  `yaml:"name"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Units string  `yaml:"units"`
}

// Spec requests a stream
type Spec struct {
	Name       string
	Channels   []Channel
	HalfSize   int
	SampleRate float64
}

// Descriptor is the YAML document written next to a shared buffer
type Descriptor struct {
	Name       string    `yaml:"name"`
	Path       string    `yaml:"path"`
	Endpoint   string    `yaml:"endpoint"`
	Dtype      string    `yaml:"dtype"`
	Layout     string    `yaml:"layout"`
	HalfSize   int       `yaml:"halfSize"`
	SampleRate float64   `yaml:"sampleRate"`
	Channels   []Channel `yaml:"channels"`
}

// Stream is an allocated stream
type Stream struct {
	Descriptor

	// Buffer receives the samples of the stream
	Buffer *dbuf.Buffer

	// DescriptorPath is where the descriptor was written, empty for heap
	// backed streams
	DescriptorPath string
}

// Registry allocates streams
type Registry struct {
	// Dir holds buffer files and descriptors.  Empty allocates on the heap
	// and writes no descriptor
	Dir string

	// Endpoint is the publish address given to streams.  A %d verb is
	// replaced with the stream's sequence number
	Endpoint string

	mu      sync.Mutex
	streams map[string]*Stream
	seq     int
}

// NewRegistry returns a registry allocating into dir
func NewRegistry(dir, endpoint string) *Registry {
	return &Registry{Dir: dir, Endpoint: endpoint, streams: make(map[string]*Stream)}
}

func fileStem(name string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		default:
			return '-'
		}
	}, name)
	for strings.Contains(stem, "--") {
		stem = strings.ReplaceAll(stem, "--", "-")
	}
	return "golacq-" + strings.Trim(stem, "-")
}

// NewAnalogStream allocates the buffer of a stream of float64 volts, assigns
// its endpoint and writes its descriptor
func (r *Registry) NewAnalogStream(s Spec) (*Stream, error) {
	if s.Name == "" {
		return nil, errors.New("stream name is empty")
	}
	if len(s.Channels) == 0 {
		return nil, fmt.Errorf("stream %q has no channels", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams == nil {
		r.streams = make(map[string]*Stream)
	}
	if _, ok := r.streams[s.Name]; ok {
		return nil, fmt.Errorf("%q: %w", s.Name, ErrExists)
	}

	endpoint := r.Endpoint
	if strings.Contains(endpoint, "%d") {
		endpoint = fmt.Sprintf(endpoint, r.seq)
	}
	st := &Stream{Descriptor: Descriptor{
		Name:       s.Name,
		Endpoint:   endpoint,
		Dtype:      "float64",
		Layout:     "channel-major",
		HalfSize:   s.HalfSize,
		SampleRate: s.SampleRate,
		Channels:   append([]Channel(nil), s.Channels...),
	}}

	var err error
	if r.Dir == "" {
		st.Buffer, err = dbuf.New(len(s.Channels), s.HalfSize)
		if err != nil {
			return nil, err
		}
	} else {
		stem := filepath.Join(r.Dir, fileStem(s.Name))
		st.Path = stem + ".dbuf"
		st.Buffer, err = dbuf.OpenShared(st.Path, len(s.Channels), s.HalfSize, true)
		if err != nil {
			return nil, err
		}
		st.DescriptorPath = stem + ".yml"
		if err := writeDescriptor(st.DescriptorPath, st.Descriptor); err != nil {
			st.Buffer.Remove()
			return nil, err
		}
	}
	r.seq++
	r.streams[s.Name] = st
	log.WithFields(logrus.Fields{
		"stream":   s.Name,
		"path":     st.Path,
		"endpoint": endpoint,
	}).Info("stream allocated")
	return st, nil
}

func writeDescriptor(path string, d Descriptor) error {
	b, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ReadDescriptor loads a descriptor written by a Registry
func ReadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	err = yaml.Unmarshal(b, &d)
	return d, err
}

// Attach maps the buffer of a stream from its descriptor, for readers in
// another process
func Attach(path string) (Descriptor, *dbuf.Buffer, error) {
	d, err := ReadDescriptor(path)
	if err != nil {
		return d, nil, err
	}
	buf, err := dbuf.OpenShared(d.Path, 0, 0, false)
	if err != nil {
		return d, nil, err
	}
	if buf.Channels() != len(d.Channels) || buf.HalfSize() != d.HalfSize {
		buf.Close()
		return d, nil, fmt.Errorf("descriptor %s does not match buffer %s: %w", path, d.Path, dbuf.ErrShape)
	}
	return d, buf, nil
}

// Get returns a registered stream
func (r *Registry) Get(name string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return st, nil
}

// List returns the descriptors of all streams, sorted by name
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, st.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Release unregisters a stream, unmaps its buffer and removes its files
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	st, ok := r.streams[name]
	delete(r.streams, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	var errs []error
	if st.Path != "" {
		errs = append(errs, st.Buffer.Remove())
	} else {
		errs = append(errs, st.Buffer.Close())
	}
	if st.DescriptorPath != "" {
		if err := os.Remove(st.DescriptorPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	log.WithField("stream", name).Info("stream released")
	return errors.Join(errs...)
}
