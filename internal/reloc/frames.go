package reloc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Frame file layout (little-endian, IEEE-754 float32):
//
//	"GFRM" | u32 version | u32 width | u32 height | u32 feature_count
//	W*H records: u8 valid, u8 pad[3], f32 x_cam[3], u8 colour[3], u8 pad,
//	             f32 descriptor[feature_count]
const frameMagic = "GFRM"

const frameVersion = 1

// Hard caps applied while reading untrusted files.
const (
	maxFrameDim      = 1 << 14
	maxFrameFeatures = 1 << 20
)

// Frame is one captured RGB-D frame after keypoint and descriptor
// extraction: the relocaliser's entire view of the sensor.
type Frame struct {
	Keypoints   *KeypointImage
	Descriptors *DescriptorImage
}

// LoadFrame reads a frame from a .gfrm file.
func LoadFrame(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame file: %w", err)
	}
	defer f.Close()

	frame, err := ReadFrame(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", path, err)
	}
	return frame, nil
}

// ReadFrame reads a frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != frameMagic {
		return nil, fmt.Errorf("bad magic %q, want %q", magic[:], frameMagic)
	}
	var version, width, height, featureCount uint32
	for _, p := range []*uint32{&version, &width, &height, &featureCount} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, err
		}
	}
	if version != frameVersion {
		return nil, fmt.Errorf("unsupported version %d, want %d", version, frameVersion)
	}
	if width == 0 || height == 0 || width > maxFrameDim || height > maxFrameDim {
		return nil, fmt.Errorf("dimensions %dx%d out of range", width, height)
	}
	if featureCount == 0 || featureCount > maxFrameFeatures {
		return nil, fmt.Errorf("feature count %d out of range", featureCount)
	}

	frame := &Frame{
		Keypoints:   NewKeypointImage(int(width), int(height)),
		Descriptors: NewDescriptorImage(int(width), int(height), int(featureCount)),
	}
	desc := make([]float32, featureCount)
	for i := 0; i < int(width*height); i++ {
		var rec struct {
			Valid  uint8
			Pad0   [3]uint8
			X      [3]float32
			Colour [3]uint8
			Pad1   uint8
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
		kp := &frame.Keypoints.Points[i]
		kp.Valid = rec.Valid != 0
		for j := 0; j < 3; j++ {
			kp.Position[j] = float64(rec.X[j])
		}
		kp.Colour = rec.Colour

		if err := binary.Read(r, binary.LittleEndian, desc); err != nil {
			return nil, err
		}
		out := frame.Descriptors.At(i)
		for j, v := range desc {
			out[j] = float64(v)
		}
	}
	return frame, nil
}

// SaveFrame writes a frame to a .gfrm file.
func SaveFrame(path string, frame *Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create frame file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := WriteFrame(bw, frame); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush frame file: %w", err)
	}
	return f.Close()
}

// WriteFrame writes a frame to w.
func WriteFrame(w io.Writer, frame *Frame) error {
	kps := frame.Keypoints
	desc := frame.Descriptors
	if kps.Width != desc.Width || kps.Height != desc.Height {
		return &ShapeMismatchError{Context: "frame write",
			GotW: desc.Width, GotH: desc.Height, WantW: kps.Width, WantH: kps.Height}
	}

	if _, err := w.Write([]byte(frameMagic)); err != nil {
		return err
	}
	header := []uint32{frameVersion, uint32(kps.Width), uint32(kps.Height), uint32(desc.FeatureCount)}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	buf := make([]float32, desc.FeatureCount)
	for i := range kps.Points {
		kp := &kps.Points[i]
		var rec struct {
			Valid  uint8
			Pad0   [3]uint8
			X      [3]float32
			Colour [3]uint8
			Pad1   uint8
		}
		if kp.Valid {
			rec.Valid = 1
		}
		for j := 0; j < 3; j++ {
			rec.X[j] = float32(kp.Position[j])
		}
		rec.Colour = kp.Colour
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return err
		}
		for j, v := range desc.At(i) {
			buf[j] = float32(v)
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return nil
}

// ListFrameFiles returns the .gfrm files under dir in lexical order. The
// frame id of each file is its basename without extension.
func ListFrameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gfrm") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// FrameID derives the frame identifier from a frame file path.
func FrameID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
