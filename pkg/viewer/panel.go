package viewer

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/biter777/countries"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"

	"radiomap/pkg/query"
)

const (
	panelWidth   = 340.0
	panelMargin  = 16.0
	statusHeight = 26.0
)

// box draws the translucent panel background with the accent bar the
// rest of the chrome uses.
func (a *App) box(screen *ebiten.Image, x, y, w, h float64, accent color.RGBA) {
	vector.DrawFilledRect(screen, float32(x), float32(y), float32(w), float32(h), colorBoxFill, false)
	vector.StrokeRect(screen, float32(x), float32(y), float32(w), float32(h), 1, colorBoxStroke, false)
	vector.DrawFilledRect(screen, float32(x), float32(y), 4, float32(h), accent, false)
}

func (a *App) drawPanel(screen *ebiten.Image) {
	p := a.session.Panel()
	if !p.Open || a.fontSource == nil {
		return
	}

	x := float64(a.Width) - panelWidth - panelMargin
	y := panelMargin
	h := float64(a.Height) - 2*panelMargin - statusHeight
	a.box(screen, x, y, panelWidth, h, ColorWifi)

	fontSize := 15.0
	face := &text.GoTextFace{Source: a.fontSource, Size: fontSize}
	smallFace := &text.GoTextFace{Source: a.fontSource, Size: fontSize * 0.8}
	titleFace := &text.GoTextFace{Source: a.fontSource, Size: fontSize * 0.9}

	tx, ty := x+14, y+12
	drawText(screen, "EVENT DETAILS", titleFace, tx, ty, 1, 1, 1, 0.55)
	ty += fontSize * 1.6

	maxPage := (p.TotalCount + p.PageSize - 1) / p.PageSize
	if maxPage < 1 {
		maxPage = 1
	}
	header := fmt.Sprintf("page %d/%d - %d events", p.Page, maxPage, p.TotalCount)
	drawText(screen, header, smallFace, tx, ty, 1, 1, 1, 0.8)
	ty += fontSize * 1.8

	switch {
	case p.Err != "":
		for _, line := range wrapText(p.Err, 38) {
			drawText(screen, line, smallFace, tx, ty, 1, 0.3, 0.3, 0.95)
			ty += fontSize * 1.3
		}
	case p.Loading:
		drawText(screen, "loading...", smallFace, tx, ty, 1, 1, 1, 0.6)
	default:
		rowH := fontSize * 2.6
		visible := int((h - (ty - y) - 30) / rowH)
		for i, row := range p.Rows {
			if i >= visible {
				drawText(screen, fmt.Sprintf("+ %d more on this page", len(p.Rows)-visible), smallFace, tx, ty, 1, 1, 1, 0.45)
				break
			}
			drawText(screen, truncate(rowTitle(row), 34), face, tx, ty, 1, 1, 1, 0.9)
			drawText(screen, truncate(rowDetail(row), 44), smallFace, tx, ty+fontSize*1.2, 1, 1, 1, 0.55)
			ty += rowH
		}
	}

	hint := "left/right page - esc close"
	drawText(screen, hint, smallFace, tx, y+h-fontSize*1.8, 1, 1, 1, 0.35)
}

// rowTitle picks the most recognizable name a row carries.
func rowTitle(row map[string]interface{}) string {
	for _, key := range []string{"ssid", "name", "deviceName", "device_name", "bssid", "sourceAddress", "id"} {
		if s := stringValue(row[key]); s != "" {
			return s
		}
	}
	if s := stringValue(row["kind"]); s != "" {
		return s
	}
	return "(unnamed)"
}

// rowDetail is the second line: kind, signal, country and tags.
func rowDetail(row map[string]interface{}) string {
	var parts []string
	if kind := stringValue(row["kind"]); kind != "" {
		parts = append(parts, kind)
	}
	if sig, ok := numValue(row["signalStrength"]); ok {
		parts = append(parts, fmt.Sprintf("%.0f dBm", sig))
	} else if sig, ok := numValue(row["rssi"]); ok {
		parts = append(parts, fmt.Sprintf("%.0f dBm", sig))
	}
	if name := countryName(row); name != "" {
		parts = append(parts, name)
	}
	if tags := tagList(row["tags"]); len(tags) > 0 {
		parts = append(parts, strings.Join(tags, ","))
	}
	return strings.Join(parts, " - ")
}

func countryName(row map[string]interface{}) string {
	for _, key := range []string{"country", "country_code", "countryCode"} {
		raw := stringValue(row[key])
		if raw == "" {
			continue
		}
		name := countries.ByName(raw).String()
		if name == "Unknown" {
			name = raw
		}
		if idx := strings.Index(name, " ("); idx != -1 {
			name = name[:idx]
		}
		return name
	}
	return ""
}

func tagList(v interface{}) []string {
	switch tags := v.(type) {
	case []string:
		return tags
	case []interface{}:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// wrapText splits s into lines of at most width chars on word bounds.
func wrapText(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}

func (a *App) drawHover(screen *ebiten.Image) {
	hv := a.session.HoverState()
	if !hv.Active || a.fontSource == nil {
		return
	}

	vector.StrokeCircle(screen, float32(hv.X), float32(hv.Y), 11, 1.5, color.RGBA{255, 255, 255, 180}, true)

	label := ""
	switch {
	case hv.Cluster:
		label = fmt.Sprintf("%d events", hv.Count)
	case hv.Count > 1:
		label = fmt.Sprintf("%d events here", hv.Count)
	case hv.Feature != nil:
		label = truncate(rowTitle(hv.Feature.Properties), 28)
	}
	if label == "" {
		return
	}

	face := &text.GoTextFace{Source: a.fontSource, Size: 13}
	tw, th := text.Measure(label, face, 0)
	bx, by := hv.X+16, hv.Y-th/2-6
	if bx+tw+16 > float64(a.Width) {
		bx = hv.X - tw - 28
	}
	vector.DrawFilledRect(screen, float32(bx), float32(by), float32(tw+12), float32(th+10), colorBoxFill, false)
	vector.StrokeRect(screen, float32(bx), float32(by), float32(tw+12), float32(th+10), 1, colorBoxStroke, false)
	drawText(screen, label, face, bx+6, by+5, 1, 1, 1, 0.9)
}

func (a *App) drawLegend(screen *ebiten.Image) {
	if a.fontSource == nil {
		return
	}
	fontSize, spacing := 13.0, 20.0
	names := query.ToggleNames()
	boxH := float64(len(names))*spacing + 38
	x := panelMargin
	y := float64(a.Height) - statusHeight - panelMargin - boxH
	a.box(screen, x, y, 150, boxH, ColorWifi)

	titleFace := &text.GoTextFace{Source: a.fontSource, Size: fontSize * 0.85}
	drawText(screen, "LAYERS", titleFace, x+14, y+8, 1, 1, 1, 0.5)

	face := &text.GoTextFace{Source: a.fontSource, Size: fontSize}
	toggles := a.session.Toggles()
	for i, name := range names {
		ly := y + 30 + float64(i)*spacing
		c := toggleColor(name)
		alpha := 0.25
		if toggles[name] {
			alpha = 0.95
		}
		vector.DrawFilledCircle(screen, float32(x+20), float32(ly+fontSize/2), 5, withAlpha(c, uint8(alpha*255)), true)
		drawText(screen, fmt.Sprintf("%d %s", i+1, name), face, x+32, ly, 1, 1, 1, alpha)
	}
}

// toggleColor keys the legend off the layer name rather than the event
// kind, since one toggle can cover several kinds.
func toggleColor(name string) color.RGBA {
	switch name {
	case "wifi":
		return ColorWifi
	case "bluetooth":
		return ColorBluetooth
	case "lte", "nr", "gsm", "cdma", "wcdma":
		return ColorCell
	case "gnss":
		return ColorGNSS
	case "phone":
		return ColorPhone
	}
	return ColorOther
}

func (a *App) drawStatus(screen *ebiten.Image) {
	st := a.fetch.Status()

	// Top banner: loading spinner text or the failure the server sent.
	if a.fontSource != nil {
		bannerFace := &text.GoTextFace{Source: a.fontSource, Size: 14}
		switch {
		case st.Err != "":
			msg := truncate("fetch failed: "+st.Err, 110)
			tw, th := text.Measure(msg, bannerFace, 0)
			bx := (float64(a.Width) - tw) / 2
			vector.DrawFilledRect(screen, float32(bx-12), 10, float32(tw+24), float32(th+12), color.RGBA{60, 0, 0, 180}, false)
			vector.StrokeRect(screen, float32(bx-12), 10, float32(tw+24), float32(th+12), 1, ColorError, false)
			drawText(screen, msg, bannerFace, bx, 16, 1, 0.45, 0.45, 1)
		case st.Loading:
			msg := "loading events..."
			tw, _ := text.Measure(msg, bannerFace, 0)
			drawText(screen, msg, bannerFace, (float64(a.Width)-tw)/2, 14, 1, 1, 1, 0.6)
		}
	}

	if a.monoSource == nil {
		return
	}
	y := float64(a.Height) - statusHeight
	vector.DrawFilledRect(screen, 0, float32(y), float32(a.Width), statusHeight, color.RGBA{0, 0, 0, 170}, false)

	mono := &text.GoTextFace{Source: a.monoSource, Size: 13}
	lng, lat := a.engine.Center()
	left := fmt.Sprintf("%.5f, %.5f  z%.1f  %s/%s", lat, lng, a.engine.Zoom(), a.fetch.Mode(), a.session.ViewMode())
	drawText(screen, left, mono, 10, y+6, 1, 1, 1, 0.7)

	right := ""
	if song, artist := a.nowPlaying(); song != "" {
		right = "> " + song
		if artist != "" {
			right += " - " + artist
		}
	}
	if f := a.flashText(); f != "" {
		right = f
	}
	if right != "" {
		right = truncate(right, 60)
		tw, _ := text.Measure(right, mono, 0)
		drawText(screen, right, mono, float64(a.Width)-tw-10, y+6, 1, 1, 1, 0.7)
	}
}

func drawText(screen *ebiten.Image, s string, face *text.GoTextFace, x, y float64, r, g, b, alpha float64) {
	op := &text.DrawOptions{}
	op.GeoM.Translate(x, y)
	op.ColorScale.Scale(float32(r*alpha), float32(g*alpha), float32(b*alpha), float32(alpha))
	text.Draw(screen, s, face, op)
}
