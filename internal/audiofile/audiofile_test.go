package audiofile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
)

// streamInfo builds a 34-byte STREAMINFO block for 44.1kHz stereo 16-bit audio.
func streamInfo() []byte {
	data := make([]byte, 34)
	binary.BigEndian.PutUint16(data[0:], 4096)
	binary.BigEndian.PutUint16(data[2:], 4096)
	packed := uint64(44100)<<44 | uint64(1)<<41 | uint64(15)<<36 | uint64(441000)
	binary.BigEndian.PutUint64(data[10:], packed)
	return data
}

func writeFLAC(t *testing.T, title, artist string, withCover bool) string {
	t.Helper()
	file := &flac.File{
		Meta:   []*flac.MetaDataBlock{{Type: flac.StreamInfo, Data: streamInfo()}},
		Frames: bytes.Repeat([]byte{0xFF, 0xF8, 0x00, 0x00}, 64),
	}
	if title != "" || artist != "" {
		cmt := flacvorbis.New()
		if title != "" {
			_ = cmt.Add(flacvorbis.FIELD_TITLE, title)
		}
		if artist != "" {
			_ = cmt.Add(flacvorbis.FIELD_ARTIST, artist)
		}
		block := cmt.Marshal()
		file.Meta = append(file.Meta, &block)
	}
	if withCover {
		pic := &flacpicture.MetadataBlockPicture{
			PictureType: flacpicture.PictureTypeFrontCover,
			MIME:        "image/png",
			ImageData:   []byte{0x89, 'P', 'N', 'G'},
		}
		block := pic.Marshal()
		file.Meta = append(file.Meta, &block)
	}

	path := filepath.Join(t.TempDir(), "song.flac")
	if err := file.Save(path); err != nil {
		t.Fatalf("Failed to write FLAC fixture: %v", err)
	}
	return path
}

func writeMP3(t *testing.T, title, artist string) string {
	t.Helper()
	var buf bytes.Buffer
	tag := id3v2.NewEmptyTag()
	if title != "" {
		tag.SetTitle(title)
	}
	if artist != "" {
		tag.SetArtist(artist)
	}
	if _, err := tag.WriteTo(&buf); err != nil {
		t.Fatalf("Failed to encode ID3 tag: %v", err)
	}
	buf.Write([]byte{0xFF, 0xFB, 0x90, 0x00})
	buf.Write(make([]byte, 413))

	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write MP3 fixture: %v", err)
	}
	return path
}

func writeRaw(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	return path
}

func TestProbe_FLAC(t *testing.T) {
	path := writeFLAC(t, "Song Title", "Some Artist", true)

	info, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.Format != FormatFLAC {
		t.Errorf("Expected format flac, got %s", info.Format)
	}
	if info.Title != "Song Title" {
		t.Errorf("Expected title 'Song Title', got %q", info.Title)
	}
	if info.Artist != "Some Artist" {
		t.Errorf("Expected artist 'Some Artist', got %q", info.Artist)
	}
	if info.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", info.SampleRate)
	}
	if !info.HasCover {
		t.Error("Expected HasCover to be true")
	}
}

func TestProbe_FLACWithoutTags(t *testing.T) {
	info, err := Probe(writeFLAC(t, "", "", false))
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.Title != "" || info.HasCover {
		t.Errorf("Expected no tags, got %+v", info)
	}
}

func TestProbe_MP3(t *testing.T) {
	info, err := Probe(writeMP3(t, "Track", "Band"))
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.Format != FormatMP3 {
		t.Errorf("Expected format mp3, got %s", info.Format)
	}
	if info.Title != "Track" || info.Artist != "Band" {
		t.Errorf("Expected Track/Band, got %q/%q", info.Title, info.Artist)
	}
}

func TestProbe_Unreadable(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated flac header", []byte("fLaC\x00\x00")},
		{"flac without streaminfo", append([]byte("fLaC"), 0x84, 0x00, 0x00, 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Probe(writeRaw(t, "bad.flac", tt.data))
			if !errors.Is(err, ErrUnreadable) {
				t.Errorf("Expected ErrUnreadable, got %v", err)
			}
		})
	}
}

func TestProbe_UnknownFormatAccepted(t *testing.T) {
	info, err := Probe(writeRaw(t, "song.m4a", []byte("\x00\x00\x00\x20ftypM4A ")))
	if err != nil {
		t.Fatalf("Expected unknown formats to be accepted, got %v", err)
	}
	if info.Format != FormatUnknown {
		t.Errorf("Expected unknown format, got %s", info.Format)
	}
}

func TestProbe_MissingFile(t *testing.T) {
	_, err := Probe(filepath.Join(t.TempDir(), "nope.flac"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestEnsureTags_FLAC(t *testing.T) {
	path := writeFLAC(t, "", "", false)

	if err := EnsureTags(path, Tags{Title: "Filled", Artist: "Filler"}); err != nil {
		t.Fatalf("EnsureTags failed: %v", err)
	}

	info, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe after EnsureTags failed: %v", err)
	}
	if info.Title != "Filled" || info.Artist != "Filler" {
		t.Errorf("Expected Filled/Filler, got %q/%q", info.Title, info.Artist)
	}
}

func TestEnsureTags_KeepsExistingValues(t *testing.T) {
	path := writeFLAC(t, "Original", "", false)

	if err := EnsureTags(path, Tags{Title: "Other", Artist: "Artist"}); err != nil {
		t.Fatalf("EnsureTags failed: %v", err)
	}

	info, _ := Probe(path)
	if info.Title != "Original" {
		t.Errorf("Expected existing title to be kept, got %q", info.Title)
	}
	if info.Artist != "Artist" {
		t.Errorf("Expected artist to be filled, got %q", info.Artist)
	}
}

func TestEnsureTags_MP3(t *testing.T) {
	path := writeMP3(t, "", "")

	if err := EnsureTags(path, Tags{Title: "T", Artist: "A"}); err != nil {
		t.Fatalf("EnsureTags failed: %v", err)
	}

	info, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.Title != "T" || info.Artist != "A" {
		t.Errorf("Expected T/A, got %q/%q", info.Title, info.Artist)
	}
}

func TestExtForFormat(t *testing.T) {
	if ExtForFormat(FormatFLAC) != ".flac" {
		t.Error("Expected .flac")
	}
	if ExtForFormat(FormatMP3) != ".mp3" {
		t.Error("Expected .mp3")
	}
	if ExtForFormat(FormatUnknown) != "" {
		t.Error("Expected empty extension for unknown format")
	}
}
