package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVHeader is the canonical 44-byte PCM header.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a PCM WAV stream.
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
}

// EncodeWAV encodes mono PCM-16 samples into a WAV file body.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// ProbeWAVFile reads the header of a WAV file on disk.
func ProbeWAVFile(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ProbeWAV(f, st.Size())
}

// ProbeWAV walks the RIFF chunks until it has seen "fmt " and "data".
// Extra chunks such as LIST (written by ffmpeg) are skipped.
func ProbeWAV(r io.ReadSeeker, size int64) (*WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var info WAVInfo
	seenFmt := false
	offset := int64(12)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("invalid WAV file: missing data chunk")
		}
		offset += 8
		id := string(hdr[0:4])
		chunkSize := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("invalid WAV file: short fmt chunk (%d bytes)", chunkSize)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(fmtChunk[0:2]); format != 1 {
				return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			info.Channels = binary.LittleEndian.Uint16(fmtChunk[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(fmtChunk[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(fmtChunk[14:16])
			seenFmt = true
			if err := skip(r, int64(chunkSize)-16+int64(chunkSize&1)); err != nil {
				return nil, err
			}
		case "data":
			if !seenFmt {
				return nil, fmt.Errorf("invalid WAV file: data before fmt chunk")
			}
			dataSize := int64(chunkSize)
			// Streaming writers leave the size unset.
			if size > 0 && (chunkSize == 0xFFFFFFFF || offset+dataSize > size) {
				dataSize = size - offset
			}
			info.DataSize = uint32(dataSize)
			bytesPerSec := float64(info.SampleRate) * float64(info.Channels) * float64(info.BitsPerSample) / 8
			if bytesPerSec <= 0 {
				return nil, fmt.Errorf("invalid WAV file: zero byte rate")
			}
			info.Duration = float64(dataSize) / bytesPerSec
			return &info, nil
		default:
			if err := skip(r, int64(chunkSize)+int64(chunkSize&1)); err != nil {
				return nil, err
			}
		}
		offset += int64(chunkSize) + int64(chunkSize&1)
	}
}

func skip(r io.Seeker, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := r.Seek(n, io.SeekCurrent); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}
