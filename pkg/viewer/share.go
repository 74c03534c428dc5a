package viewer

import (
	"fmt"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	qrcode "github.com/skip2/go-qrcode"
)

// shareLink encodes the current camera and filter into a URL another
// client can open, web-permalink style.
func (a *App) shareLink() string {
	lng, lat := a.engine.Center()
	link := fmt.Sprintf("%s/#map=%.2f/%.5f/%.5f", a.shareBase, a.engine.Zoom(), lat, lng)
	if q := a.fetch.Filter().QueryValues().Encode(); q != "" {
		link += "&" + q
	}
	return link
}

func (a *App) toggleShare() {
	if a.shareOn {
		a.shareOn = false
		return
	}
	url := a.shareLink()
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		a.log.Warn().Err(err).Msg("share QR failed")
		a.setFlash("share link too long")
		return
	}
	qr.DisableBorder = true
	a.shareImage = ebiten.NewImageFromImage(qr.Image(256))
	a.shareURL = url
	a.shareOn = true
}

func (a *App) drawShare(screen *ebiten.Image) {
	if !a.shareOn || a.shareImage == nil {
		return
	}
	size := 256.0
	pad := 24.0
	w := size + 2*pad
	h := size + 2*pad + 40
	x := (float64(a.Width) - w) / 2
	y := (float64(a.Height) - h) / 2
	a.box(screen, x, y, w, h, ColorWifi)

	op := &ebiten.DrawImageOptions{}
	op.GeoM.Translate(x+pad, y+pad)
	screen.DrawImage(a.shareImage, op)

	if a.fontSource != nil {
		face := &text.GoTextFace{Source: a.fontSource, Size: 12}
		label := truncate(a.shareURL, 52)
		tw, _ := text.Measure(label, face, 0)
		drawText(screen, label, face, x+(w-tw)/2, y+size+pad+10, 1, 1, 1, 0.7)
	}
}
