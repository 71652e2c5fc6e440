// Package audiofile inspects downloaded and cached audio files.
package audiofile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"

	"github.com/cesargomez89/offtrack/internal/constants"
)

// ErrUnreadable is returned when a file cannot be parsed as the audio format it claims to be.
var ErrUnreadable = errors.New("unreadable audio file")

type Format string

const (
	FormatFLAC    Format = "flac"
	FormatMP3     Format = "mp3"
	FormatUnknown Format = "unknown"
)

// Info is the metadata read by Probe.
type Info struct {
	Format     Format
	Title      string
	Artist     string
	SampleRate int
	HasCover   bool
}

// Tags are the fields EnsureTags fills in when a file lacks them.
type Tags struct {
	Title  string
	Artist string
}

var (
	magicFLAC = []byte("fLaC")
	magicID3  = []byte("ID3")
)

func sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if n == 0 {
		return FormatUnknown, fmt.Errorf("%w: empty file", ErrUnreadable)
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return FormatUnknown, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, magicFLAC):
		return FormatFLAC, nil
	case bytes.HasPrefix(head, magicID3):
		return FormatMP3, nil
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return FormatMP3, nil
	default:
		return FormatUnknown, nil
	}
}

// Probe reads lightweight metadata from path. Files in an unrecognised
// format are accepted as FormatUnknown; a recognised format that fails to
// parse returns ErrUnreadable.
func Probe(path string) (Info, error) {
	format, err := sniff(path)
	if err != nil {
		return Info{Format: FormatUnknown}, err
	}

	switch format {
	case FormatFLAC:
		return probeFLAC(path)
	case FormatMP3:
		return probeMP3(path)
	default:
		return Info{Format: FormatUnknown}, nil
	}
}

func probeFLAC(path string) (Info, error) {
	info := Info{Format: FormatFLAC}

	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()

	file, err := flac.ParseMetadata(f)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if len(file.Meta) == 0 {
		return info, fmt.Errorf("%w: no metadata blocks", ErrUnreadable)
	}

	stream, err := file.GetStreamInfo()
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	info.SampleRate = stream.SampleRate

	for _, block := range file.Meta {
		switch block.Type {
		case flac.VorbisComment:
			cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
			if err != nil {
				return info, fmt.Errorf("%w: %v", ErrUnreadable, err)
			}
			info.Title = firstValue(cmt, flacvorbis.FIELD_TITLE)
			info.Artist = firstValue(cmt, flacvorbis.FIELD_ARTIST)
		case flac.Picture:
			if _, err := flacpicture.ParseFromMetaDataBlock(*block); err == nil {
				info.HasCover = true
			}
		}
	}
	return info, nil
}

func firstValue(cmt *flacvorbis.MetaDataBlockVorbisComment, key string) string {
	values, err := cmt.Get(key)
	if err != nil || len(values) == 0 {
		return ""
	}
	return values[0]
}

func probeMP3(path string) (Info, error) {
	info := Info{Format: FormatMP3}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer tag.Close()

	info.Title = tag.Title()
	info.Artist = tag.Artist()
	info.HasCover = len(tag.GetFrames(tag.CommonID("Attached picture"))) > 0
	return info, nil
}

// EnsureTags writes the title and artist into the file when it does not
// carry them already. Existing values are never overwritten.
func EnsureTags(path string, tags Tags) error {
	format, err := sniff(path)
	if err != nil {
		return err
	}

	switch format {
	case FormatFLAC:
		return ensureFLACTags(path, tags)
	case FormatMP3:
		return ensureMP3Tags(path, tags)
	default:
		return nil
	}
}

func ensureFLACTags(path string, tags Tags) error {
	file, err := flac.ParseFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var (
		cmt *flacvorbis.MetaDataBlockVorbisComment
		idx = -1
	)
	for i, block := range file.Meta {
		if block.Type == flac.VorbisComment {
			cmt, err = flacvorbis.ParseFromMetaDataBlock(*block)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnreadable, err)
			}
			idx = i
			break
		}
	}
	if cmt == nil {
		cmt = flacvorbis.New()
	}

	changed := false
	for _, field := range []struct{ key, value string }{
		{flacvorbis.FIELD_TITLE, tags.Title},
		{flacvorbis.FIELD_ARTIST, tags.Artist},
	} {
		if field.value == "" || firstValue(cmt, field.key) != "" {
			continue
		}
		if err := cmt.Add(field.key, field.value); err != nil {
			return fmt.Errorf("add vorbis comment %s: %w", field.key, err)
		}
		changed = true
	}
	if !changed {
		return nil
	}

	block := cmt.Marshal()
	if idx >= 0 {
		file.Meta[idx] = &block
	} else {
		file.Meta = append(file.Meta, &block)
	}

	if err := file.Save(path); err != nil {
		return fmt.Errorf("save flac: %w", err)
	}
	return nil
}

func ensureMP3Tags(path string, tags Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer tag.Close()

	changed := false
	if tags.Title != "" && tag.Title() == "" {
		tag.SetTitle(tags.Title)
		changed = true
	}
	if tags.Artist != "" && tag.Artist() == "" {
		tag.SetArtist(tags.Artist)
		changed = true
	}
	if !changed {
		return nil
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save id3 tag: %w", err)
	}
	return nil
}

// ExtForFormat maps a probed format to the file extension downloads are stored with.
func ExtForFormat(f Format) string {
	switch f {
	case FormatFLAC:
		return constants.ExtFLAC
	case FormatMP3:
		return constants.ExtMP3
	default:
		return ""
	}
}
