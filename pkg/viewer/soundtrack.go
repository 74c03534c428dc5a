package viewer

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"
)

// Soundtrack loops MP3s from a file or directory while the viewer
// runs. Shutdown fades the current track out instead of cutting it.
type Soundtrack struct {
	Path    string
	OnTrack func(song, artist string)
	Log     zerolog.Logger

	audioContext *audio.Context
	stopChan     chan struct{}
	stoppedChan  chan struct{}
	isStopping   bool
}

func NewSoundtrack(path string) *Soundtrack {
	return &Soundtrack{
		Path:        path,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

func (p *Soundtrack) Shutdown() {
	p.Log.Info().Msg("soundtrack shutting down with fade-out")
	p.isStopping = true
	close(p.stopChan)
	<-p.stoppedChan
}

func (p *Soundtrack) Start() {
	go func() {
		defer close(p.stoppedChan)
		for {
			select {
			case <-p.stopChan:
				return
			default:
			}

			tracks, err := p.listTracks()
			if err != nil || len(tracks) == 0 {
				if err != nil {
					p.Log.Warn().Err(err).Msg("soundtrack path unreadable")
				} else {
					p.Log.Warn().Str("path", p.Path).Msg("no mp3 files found")
				}
				select {
				case <-time.After(5 * time.Second):
				case <-p.stopChan:
					return
				}
				continue
			}

			path := tracks[rand.Intn(len(tracks))]
			if err := p.playTrack(path); err != nil {
				p.Log.Warn().Err(err).Str("track", path).Msg("track failed")
				select {
				case <-time.After(5 * time.Second):
				case <-p.stopChan:
					return
				}
			}

			if p.isStopping {
				return
			}
		}
	}()
}

func (p *Soundtrack) listTracks() ([]string, error) {
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{p.Path}, nil
	}
	var tracks []string
	err = filepath.Walk(p.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(strings.ToLower(info.Name()), ".mp3") {
			tracks = append(tracks, path)
		}
		return nil
	})
	return tracks, err
}

func (p *Soundtrack) playTrack(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var artist, song string
	if m, err := tag.ReadFrom(f); err == nil {
		artist = m.Artist()
		song = m.Title()
	}
	if song == "" {
		fullTitle := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		artist, song = "", fullTitle
		if parts := strings.SplitN(fullTitle, " - ", 2); len(parts) == 2 {
			song = parts[0]
			artist = parts[1]
		}
	}
	if p.OnTrack != nil {
		p.OnTrack(song, artist)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	d, err := mp3.NewDecoder(f)
	if err != nil {
		return err
	}

	if p.audioContext == nil {
		p.audioContext = audio.NewContext(44100)
	}
	player, err := p.audioContext.NewPlayer(d)
	if err != nil {
		return err
	}
	player.Play()
	p.Log.Info().Str("track", path).Msg("playing")

	fadeDuration := 5 * time.Second
	totalBytes := d.Length()
	duration := time.Duration(totalBytes) * time.Second / time.Duration(d.SampleRate()*4)
	startTime := time.Now()
	var stoppingAt time.Time
	for player.IsPlaying() {
		if p.isStopping && stoppingAt.IsZero() {
			stoppingAt = time.Now()
		}

		elapsed := time.Since(startTime)
		remaining := duration - elapsed
		vol := 1.0
		if remaining <= fadeDuration {
			vol = float64(remaining) / float64(fadeDuration)
		}

		if !stoppingAt.IsZero() {
			stopElapsed := time.Since(stoppingAt)
			stopVol := 1.0 - (float64(stopElapsed) / float64(fadeDuration))
			if stopVol < vol {
				vol = stopVol
			}
			if stopVol <= 0 {
				break
			}
		}

		if vol < 0 {
			vol = 0
		}
		player.SetVolume(vol)

		if remaining <= 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	player.Close()
	return nil
}
