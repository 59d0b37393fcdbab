package stream

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/golacq/dbuf"
)

// WriteFITS streams the last n samples of every channel of a stream, ending
// at absolute position absPos, as a 64-bit float image of n x channels
func WriteFITS(w io.Writer, st *Stream, absPos int64, n int, metadata []fitsio.Card) error {
	snap, err := st.Buffer.Snapshot(absPos, n)
	if err != nil {
		return err
	}
	return writeFITS(w, st.Descriptor, absPos, snap, metadata)
}

func writeFITS(w io.Writer, d Descriptor, absPos int64, snap [][]float64, metadata []fitsio.Card) error {
	if len(snap) == 0 {
		return fmt.Errorf("empty snapshot: %w", dbuf.ErrShape)
	}
	n := len(snap[0])
	metadata = append(metadata,
		fitsio.Card{Name: "STREAM", Value: d.Name},
		fitsio.Card{Name: "ABSPOS", Value: int(absPos), Comment: "position after the last sample"},
		fitsio.Card{Name: "SRATE", Value: d.SampleRate, Comment: "samples per second"},
		fitsio.Card{Name: "BUNIT", Value: "V"},
	)
	for i, ch := range d.Channels {
		metadata = append(metadata, fitsio.Card{Name: fmt.Sprintf("CHAN%d", i), Value: ch.Name})
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{n, len(snap)})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	flat := make([]float64, 0, n*len(snap))
	for _, ch := range snap {
		flat = append(flat, ch...)
	}
	if err := im.Write(flat); err != nil {
		return err
	}
	return fits.Write(im)
}
