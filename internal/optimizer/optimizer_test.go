package optimizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"asset-optimizer/internal/logger"
	"asset-optimizer/internal/report"
)

// noiseImage returns opaque random pixels, which no encoder can shrink much.
func noiseImage(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 0xff
	}
	return img
}

// gradientImage returns smooth opaque content that compresses very well.
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8((x + y) / 2), A: 0xff})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image, level png.CompressionLevel) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeJPEG(t *testing.T, path string, img image.Image, quality int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatal(err)
	}
}

// bloatedPNG writes an uncompressed gradient of roughly w*h*3 bytes.
func bloatedPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	writePNG(t, path, gradientImage(w, h), png.NoCompression)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return st.Size()
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func decodeDims(t *testing.T, path string) image.Point {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return image.Pt(cfg.Width, cfg.Height)
}

func testOptions(dir string, policy Policy, thresholdKB float64) Options {
	return Options{
		Directory:   dir,
		Policy:      policy,
		ThresholdKB: thresholdKB,
		Quality:     75,
	}
}

func run(t *testing.T, opts Options) (*report.Report, string) {
	t.Helper()
	var out bytes.Buffer
	rep, err := NewOptimizer(logger.Discard(), &out, nil).Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return rep, out.String()
}

func outcomeFor(t *testing.T, rep *report.Report, path string) report.Outcome {
	t.Helper()
	for _, o := range rep.Outcomes() {
		if o.Path == path {
			return o
		}
	}
	t.Fatalf("no outcome for %s", path)
	return report.Outcome{}
}

func TestBelowThresholdUntouched(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.png")
	writePNG(t, small, noiseImage(50, 50, 1), png.DefaultCompression)
	before := readFile(t, small)

	for _, policy := range []Policy{PolicyConvert, PolicyPreserve} {
		rep, out := run(t, testOptions(dir, policy, 100))

		if !bytes.Equal(readFile(t, small), before) {
			t.Fatalf("%s: small asset modified", policy)
		}
		o := outcomeFor(t, rep, small)
		if o.Kind != report.KindSkipped {
			t.Errorf("%s: kind = %s, want skipped", policy, o.Kind)
		}
		if strings.Contains(out, "Compressing") {
			t.Errorf("%s: progress printed for skipped asset: %q", policy, out)
		}
	}
}

func TestConvertPolicy(t *testing.T) {
	dir := t.TempDir()
	noisy := filepath.Join(dir, "noisy.png")
	writePNG(t, noisy, noiseImage(200, 200, 2), png.DefaultCompression)
	bloated := filepath.Join(dir, "bloated.png")
	bloatedPNG(t, bloated, 300, 300)
	photo := filepath.Join(dir, "photo.jpeg")
	writeJPEG(t, photo, noiseImage(400, 400, 3), 100)

	for _, p := range []string{noisy, bloated, photo} {
		if kb(fileSize(t, p)) <= 100 {
			t.Fatalf("fixture %s too small: %.2f KB", p, kb(fileSize(t, p)))
		}
	}

	rep, _ := run(t, testOptions(dir, PolicyConvert, 100))

	for _, p := range []string{noisy, bloated, photo} {
		target := strings.TrimSuffix(p, filepath.Ext(p)) + ".jpg"
		o := outcomeFor(t, rep, p)
		if o.Kind != report.KindConverted {
			t.Errorf("%s: kind = %s (%s), want converted", filepath.Base(p), o.Kind, o.Error)
			continue
		}
		if exists(p) {
			t.Errorf("%s: original still exists", filepath.Base(p))
		}
		if o.NewPath != target {
			t.Errorf("%s: NewPath = %s, want %s", filepath.Base(p), o.NewPath, target)
		}
		if got := fileSize(t, target); o.NewSize != got {
			t.Errorf("%s: reported new size %d, actual %d", filepath.Base(target), o.NewSize, got)
		}
		if dims := decodeDims(t, target); dims != image.Pt(200, 200) && dims != image.Pt(300, 300) && dims != image.Pt(400, 400) {
			t.Errorf("%s: unexpected dimensions %v", filepath.Base(target), dims)
		}
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestConvertFlattensTransparency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sprite.png")

	img := noiseImage(300, 300, 4)
	for y := 0; y < 300; y++ {
		for x := 0; x < 150; x++ {
			img.SetNRGBA(x, y, color.NRGBA{})
		}
	}
	writePNG(t, path, img, png.DefaultCompression)

	rep, _ := run(t, testOptions(dir, PolicyConvert, 100))
	o := outcomeFor(t, rep, path)
	if o.Kind != report.KindConverted {
		t.Fatalf("kind = %s (%s), want converted", o.Kind, o.Error)
	}

	f, err := os.Open(o.NewPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	out, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	r, g, b, _ := out.At(40, 40).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Errorf("transparent area flattened to (%d,%d,%d), want near white", r>>8, g>>8, b>>8)
	}
}

func TestConvertBackgroundColor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sprite.png")
	img := noiseImage(300, 300, 5)
	for y := 0; y < 300; y++ {
		for x := 0; x < 150; x++ {
			img.SetNRGBA(x, y, color.NRGBA{})
		}
	}
	writePNG(t, path, img, png.DefaultCompression)

	opts := testOptions(dir, PolicyConvert, 100)
	opts.Background = color.NRGBA{A: 0xff}
	rep, _ := run(t, opts)

	o := outcomeFor(t, rep, path)
	f, err := os.Open(o.NewPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	out, err := jpeg.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := out.At(40, 40).RGBA()
	if r>>8 > 15 || g>>8 > 15 || b>>8 > 15 {
		t.Errorf("transparent area flattened to (%d,%d,%d), want near black", r>>8, g>>8, b>>8)
	}
}

func TestPreservePolicy(t *testing.T) {
	dir := t.TempDir()
	bloated := filepath.Join(dir, "bloated.png")
	bloatedPNG(t, bloated, 300, 300)
	noisy := filepath.Join(dir, "noisy.png")
	writePNG(t, noisy, noiseImage(200, 200, 6), png.DefaultCompression)
	photo := filepath.Join(dir, "photo.jpg")
	writeJPEG(t, photo, noiseImage(400, 400, 7), 100)

	sizes := map[string]int64{}
	for _, p := range []string{bloated, noisy, photo} {
		sizes[p] = fileSize(t, p)
	}

	rep, _ := run(t, testOptions(dir, PolicyPreserve, 100))

	for _, p := range []string{bloated, noisy, photo} {
		o := outcomeFor(t, rep, p)
		if o.Kind != report.KindRecompressed {
			t.Errorf("%s: kind = %s (%s), want recompressed", filepath.Base(p), o.Kind, o.Error)
			continue
		}
		if !exists(p) {
			t.Fatalf("%s: file missing after preserve", filepath.Base(p))
		}
		got := fileSize(t, p)
		if got > sizes[p] {
			t.Errorf("%s: grew from %d to %d bytes", filepath.Base(p), sizes[p], got)
		}
		if o.NewSize != got {
			t.Errorf("%s: reported %d bytes, actual %d", filepath.Base(p), o.NewSize, got)
		}
	}

	if d := decodeDims(t, bloated); d != image.Pt(300, 300) {
		t.Errorf("bloated.png dimensions = %v, want 300x300", d)
	}
	if d := decodeDims(t, noisy); d != image.Pt(200, 200) {
		t.Errorf("noisy.png dimensions = %v, want 200x200", d)
	}
	if fileSize(t, bloated) >= sizes[bloated]/2 {
		t.Errorf("bloated.png barely shrank: %d -> %d", sizes[bloated], fileSize(t, bloated))
	}
	if exists(filepath.Join(dir, "bloated.jpg")) || exists(filepath.Join(dir, "noisy.jpg")) {
		t.Error("preserve policy created a .jpg")
	}

	// lossless: pixels are identical
	f, err := os.Open(bloated)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	want := gradientImage(300, 300)
	for _, pt := range []image.Point{{0, 0}, {17, 250}, {299, 299}} {
		r1, g1, b1, a1 := decoded.At(pt.X, pt.Y).RGBA()
		r2, g2, b2, a2 := want.At(pt.X, pt.Y).RGBA()
		if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
			t.Errorf("pixel %v changed", pt)
		}
	}
}

func TestCorruptAssetDoesNotStopBatch(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	bloatedPNG(t, good, 300, 300)
	corrupt := filepath.Join(dir, "corrupt.png")
	garbage := make([]byte, 150*1024)
	rand.New(rand.NewSource(8)).Read(garbage)
	if err := os.WriteFile(corrupt, garbage, 0644); err != nil {
		t.Fatal(err)
	}
	good2 := filepath.Join(dir, "good2.jpg")
	writeJPEG(t, good2, noiseImage(400, 400, 9), 100)

	goodBefore, good2Before := fileSize(t, good), fileSize(t, good2)

	rep, out := run(t, testOptions(dir, PolicyPreserve, 100))
	totals := rep.Totals()

	if totals.Failed != 1 || totals.Recompressed != 2 {
		t.Fatalf("totals = %+v, want 2 recompressed and 1 failed", totals)
	}
	if o := outcomeFor(t, rep, corrupt); o.Kind != report.KindFailed || o.Error == "" {
		t.Errorf("corrupt outcome = %+v", o)
	}
	if !bytes.Equal(readFile(t, corrupt), garbage) {
		t.Error("corrupt asset was modified")
	}

	wantOld := goodBefore + good2Before
	wantNew := fileSize(t, good) + fileSize(t, good2)
	if totals.OldBytes != wantOld || totals.NewBytes != wantNew || totals.SavedBytes != wantOld-wantNew {
		t.Errorf("size totals = %d/%d/%d, want %d/%d/%d",
			totals.OldBytes, totals.NewBytes, totals.SavedBytes, wantOld, wantNew, wantOld-wantNew)
	}
	if !strings.Contains(out, "Error compressing corrupt.png: ") {
		t.Errorf("missing error line in output:\n%s", out)
	}
}

func TestConvertConverges(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "noisy.png"), noiseImage(200, 200, 10), png.DefaultCompression)
	bloatedPNG(t, filepath.Join(dir, "bloated.png"), 300, 300)
	writePNG(t, filepath.Join(dir, "icon.png"), noiseImage(40, 40, 11), png.DefaultCompression)
	writeJPEG(t, filepath.Join(dir, "photo.jpg"), noiseImage(400, 400, 12), 100)

	opts := testOptions(dir, PolicyConvert, 100)
	first, _ := run(t, opts)
	if n := len(first.ByKind(report.KindConverted)); n != 2 {
		t.Fatalf("first run converted %d assets, want 2", n)
	}

	second, _ := run(t, opts)
	if n := len(second.ByKind(report.KindConverted)); n != 0 {
		t.Errorf("second run converted %d assets, want 0", n)
	}
	if n := len(second.Failed()); n != 0 {
		t.Errorf("second run failed %d assets: %+v", n, second.Failed())
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.EqualFold(filepath.Ext(e.Name()), ".jpg") {
			continue
		}
		info, _ := e.Info()
		if kb(info.Size()) > opts.ThresholdKB {
			t.Errorf("%s still oversized and not a .jpg", e.Name())
		}
	}
}

func TestThresholdIsConfigurable(t *testing.T) {
	for _, threshold := range []float64{100, 200} {
		t.Run(fmt.Sprintf("%.0fKB", threshold), func(t *testing.T) {
			dir := t.TempDir()
			small := filepath.Join(dir, "small.png")
			writePNG(t, small, noiseImage(50, 50, 13), png.DefaultCompression)
			medium := filepath.Join(dir, "medium.png")
			bloatedPNG(t, medium, 220, 220)
			large := filepath.Join(dir, "large.png")
			bloatedPNG(t, large, 300, 300)

			before := map[string][]byte{}
			for _, p := range []string{small, medium, large} {
				before[p] = readFile(t, p)
			}
			if kb(int64(len(before[medium]))) <= 100 || kb(int64(len(before[medium]))) > 200 {
				t.Fatalf("medium fixture is %.2f KB, want between 100 and 200", kb(int64(len(before[medium]))))
			}

			rep, _ := run(t, testOptions(dir, PolicyPreserve, threshold))

			for _, p := range []string{small, medium, large} {
				below := kb(int64(len(before[p]))) <= threshold
				changed := !bytes.Equal(readFile(t, p), before[p])
				if below && changed {
					t.Errorf("%s below %.0f KB was modified", filepath.Base(p), threshold)
				}
				if !below && !changed {
					t.Errorf("%s above %.0f KB was not recompressed", filepath.Base(p), threshold)
				}
				if below && outcomeFor(t, rep, p).Kind != report.KindSkipped {
					t.Errorf("%s: kind = %s, want skipped", filepath.Base(p), outcomeFor(t, rep, p).Kind)
				}
			}
		})
	}
}

func TestQualityAffectsOutputSize(t *testing.T) {
	sizes := map[int]int64{}
	for _, q := range []int{30, 90} {
		dir := t.TempDir()
		path := filepath.Join(dir, "photo.png")
		writePNG(t, path, noiseImage(200, 200, 14), png.DefaultCompression)

		opts := testOptions(dir, PolicyConvert, 100)
		opts.Quality = q
		rep, _ := run(t, opts)
		sizes[q] = outcomeFor(t, rep, path).NewSize
	}
	if sizes[30] >= sizes[90] {
		t.Errorf("quality 30 produced %d bytes, quality 90 produced %d", sizes[30], sizes[90])
	}
}

func TestSubdirectories(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	other := filepath.Join(dir, "other")
	deep := filepath.Join(images, "deep")
	for _, d := range []string{images, other, deep} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	top := filepath.Join(dir, "top.png")
	inSub := filepath.Join(images, "banner.png")
	inOther := filepath.Join(other, "ignored.png")
	inDeep := filepath.Join(deep, "nested.png")
	for _, p := range []string{top, inSub, inOther, inDeep} {
		bloatedPNG(t, p, 300, 300)
	}
	otherBefore := readFile(t, inOther)
	deepBefore := readFile(t, inDeep)

	opts := testOptions(dir, PolicyPreserve, 100)
	opts.Subdirectories = []string{"images", "missing"}
	rep, _ := run(t, opts)

	if rep.Len() != 2 {
		t.Fatalf("processed %d assets, want 2: %+v", rep.Len(), rep.Outcomes())
	}
	outcomes := rep.Outcomes()
	if outcomes[0].Path != top || outcomes[1].Path != inSub {
		t.Errorf("order = %s, %s; want top directory first", outcomes[0].Path, outcomes[1].Path)
	}
	if !bytes.Equal(readFile(t, inOther), otherBefore) {
		t.Error("asset in an unlisted subdirectory was modified")
	}
	if !bytes.Equal(readFile(t, inDeep), deepBefore) {
		t.Error("nested asset was modified without recursion")
	}

	opts.Recursive = true
	rep, _ = run(t, opts)
	if outcomeFor(t, rep, inDeep).Kind != report.KindRecompressed {
		t.Error("recursive run did not reach the nested asset")
	}
	if outcomeFor(t, rep, inOther).Kind != report.KindRecompressed {
		t.Error("recursive run did not reach the other subdirectory")
	}
}

func TestMissingDirectory(t *testing.T) {
	opts := testOptions(filepath.Join(t.TempDir(), "nope"), PolicyPreserve, 100)
	rep, err := NewOptimizer(logger.Discard(), nil, nil).Run(context.Background(), opts)
	if !errors.Is(err, ErrDirectoryNotFound) {
		t.Fatalf("Run() error = %v, want ErrDirectoryNotFound", err)
	}
	if rep != nil {
		t.Errorf("expected nil report, got %+v", rep)
	}
}

func TestUnsupportedExtensionsIgnored(t *testing.T) {
	dir := t.TempDir()
	gif := filepath.Join(dir, "anim.gif")
	if err := os.WriteFile(gif, make([]byte, 300*1024), 0644); err != nil {
		t.Fatal(err)
	}
	upper := filepath.Join(dir, "LOUD.PNG")
	bloatedPNG(t, upper, 300, 300)

	rep, _ := run(t, testOptions(dir, PolicyPreserve, 100))
	if rep.Len() != 1 {
		t.Fatalf("processed %d assets, want 1", rep.Len())
	}
	if outcomeFor(t, rep, upper).Kind != report.KindRecompressed {
		t.Error("upper-case extension not handled")
	}
}

func TestExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	icons := filepath.Join(dir, "icons")
	if err := os.Mkdir(icons, 0755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(dir, "keep-original.png")
	icon := filepath.Join(icons, "logo.png")
	hero := filepath.Join(dir, "hero.png")
	for _, p := range []string{keep, icon, hero} {
		bloatedPNG(t, p, 300, 300)
	}

	opts := testOptions(dir, PolicyPreserve, 100)
	opts.Subdirectories = []string{"icons"}
	opts.Exclude = []string{"keep-*.png", "icons/**"}
	rep, _ := run(t, opts)

	if rep.Len() != 1 || rep.Outcomes()[0].Path != hero {
		t.Errorf("outcomes = %+v, want only hero.png", rep.Outcomes())
	}
}

func TestDryRun(t *testing.T) {
	dir := t.TempDir()
	png1 := filepath.Join(dir, "a.png")
	bloatedPNG(t, png1, 300, 300)
	jpg := filepath.Join(dir, "b.jpg")
	writeJPEG(t, jpg, noiseImage(400, 400, 15), 100)
	before := map[string][]byte{png1: readFile(t, png1), jpg: readFile(t, jpg)}

	opts := testOptions(dir, PolicyConvert, 100)
	opts.DryRun = true
	rep, out := run(t, opts)

	for p, data := range before {
		if !bytes.Equal(readFile(t, p), data) {
			t.Errorf("%s modified during dry run", filepath.Base(p))
		}
	}
	if exists(filepath.Join(dir, "a.jpg")) {
		t.Error("dry run created a.jpg")
	}
	o := outcomeFor(t, rep, png1)
	if o.Kind != report.KindConverted || !o.DryRun || o.NewSize != o.OldSize {
		t.Errorf("dry-run outcome = %+v", o)
	}
	if !strings.Contains(out, "Would convert a.png") || !strings.Contains(out, "Would compress b.jpg") {
		t.Errorf("dry-run output:\n%s", out)
	}
}

func TestConvertTargetCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "logo.png")
	bloatedPNG(t, src, 300, 300)
	existing := filepath.Join(dir, "logo.jpg")
	writeJPEG(t, existing, noiseImage(20, 20, 16), 80)
	srcBefore, existingBefore := readFile(t, src), readFile(t, existing)

	var out bytes.Buffer
	opt := NewOptimizer(logger.Discard(), &out, nil)
	o, err := opt.ProcessFile(context.Background(), src, testOptions(dir, PolicyConvert, 100))
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if o.Kind != report.KindFailed || !strings.Contains(o.Error, ErrTargetExists.Error()) {
		t.Errorf("outcome = %+v, want target-exists failure", o)
	}
	if !bytes.Equal(readFile(t, src), srcBefore) || !bytes.Equal(readFile(t, existing), existingBefore) {
		t.Error("files changed on collision")
	}

	want := fmt.Sprintf("Compressing logo.png (%.2f KB)...\nError compressing logo.png: %v: logo.jpg\n",
		float64(len(srcBefore))/1024, ErrTargetExists)
	if out.String() != want {
		t.Errorf("progress output:\n%s\nwant:\n%s", out.String(), want)
	}
}

// withSoftwareTag splices an EXIF APP1 segment carrying only the Software
// tag right after the SOI marker of a JPEG.
func withSoftwareTag(jpg []byte, software string) []byte {
	value := append([]byte(software), 0)

	var tiff bytes.Buffer
	tiff.WriteString("MM\x00\x2a")
	binary.Write(&tiff, binary.BigEndian, uint32(8))
	binary.Write(&tiff, binary.BigEndian, uint16(1))
	binary.Write(&tiff, binary.BigEndian, uint16(0x0131))
	binary.Write(&tiff, binary.BigEndian, uint16(2))
	binary.Write(&tiff, binary.BigEndian, uint32(len(value)))
	binary.Write(&tiff, binary.BigEndian, uint32(8+2+12+4))
	binary.Write(&tiff, binary.BigEndian, uint32(0))
	tiff.Write(value)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	var seg bytes.Buffer
	seg.Write([]byte{0xff, 0xe1})
	binary.Write(&seg, binary.BigEndian, uint16(len(payload)+2))
	seg.Write(payload)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, seg.Bytes()...)
	return append(out, jpg[2:]...)
}

func TestSkipMarked(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, noiseImage(400, 400, 21), &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	marked := withSoftwareTag(buf.Bytes(), "asset-optimizer")
	plain := buf.Bytes()

	for _, skip := range []bool{true, false} {
		dir := t.TempDir()
		markedPath := filepath.Join(dir, "marked.jpg")
		plainPath := filepath.Join(dir, "plain.jpg")
		if err := os.WriteFile(markedPath, marked, 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(plainPath, plain, 0644); err != nil {
			t.Fatal(err)
		}

		opts := testOptions(dir, PolicyPreserve, 100)
		opts.SkipMarked = skip
		opts.Marker = "asset-optimizer"
		rep, _ := run(t, opts)

		m := outcomeFor(t, rep, markedPath)
		if skip {
			if m.Kind != report.KindSkipped || m.Reason != "already optimized" {
				t.Errorf("skip=%v: marked outcome = %s (%s), want skipped (already optimized)", skip, m.Kind, m.Reason)
			}
			if !bytes.Equal(readFile(t, markedPath), marked) {
				t.Errorf("skip=%v: marked asset was rewritten", skip)
			}
		} else {
			if m.Kind != report.KindRecompressed {
				t.Errorf("skip=%v: marked outcome = %s (%s), want recompressed", skip, m.Kind, m.Error)
			}
			if fileSize(t, markedPath) >= int64(len(marked)) {
				t.Errorf("skip=%v: marked asset not recompressed", skip)
			}
		}

		p := outcomeFor(t, rep, plainPath)
		if p.Kind != report.KindRecompressed {
			t.Errorf("skip=%v: unmarked outcome = %s (%s %s), want recompressed", skip, p.Kind, p.Reason, p.Error)
		}
	}
}

func TestPreserveKeepsLargerReencode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dense.png")
	writePNG(t, path, noiseImage(200, 200, 22), png.BestCompression)
	before := readFile(t, path)

	rep, out := run(t, testOptions(dir, PolicyPreserve, 100))

	o := outcomeFor(t, rep, path)
	if o.Kind != report.KindRecompressed || !o.Kept {
		t.Fatalf("outcome = %+v, want recompressed with original kept", o)
	}
	if o.NewSize != o.OldSize {
		t.Errorf("NewSize = %d, want OldSize %d", o.NewSize, o.OldSize)
	}
	if !bytes.Equal(readFile(t, path), before) {
		t.Error("original bytes replaced by a larger re-encode")
	}
	if want := fmt.Sprintf("Done: %.2f KB (Saved 0.00 KB)", float64(len(before))/1024); !strings.Contains(out, want) {
		t.Errorf("output missing %q:\n%s", want, out)
	}
}

func TestSymlinksIgnored(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "real.png")
	bloatedPNG(t, target, 300, 300)
	before := readFile(t, target)

	for _, policy := range []Policy{PolicyPreserve, PolicyConvert} {
		dir := t.TempDir()
		link := filepath.Join(dir, "link.png")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}

		rep, _ := run(t, testOptions(dir, policy, 100))
		if rep.Len() != 0 {
			t.Errorf("%s: symlink was processed: %+v", policy, rep.Outcomes())
		}

		_, err := NewOptimizer(logger.Discard(), nil, nil).ProcessFile(context.Background(), link, testOptions(dir, policy, 100))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("%s: ProcessFile(symlink) error = %v, want ErrUnsupportedFormat", policy, err)
		}

		st, err := os.Lstat(link)
		if err != nil || st.Mode()&os.ModeSymlink == 0 {
			t.Errorf("%s: link no longer a symlink (err %v)", policy, err)
		}
		if exists(filepath.Join(dir, "link.jpg")) {
			t.Errorf("%s: converted output created for a symlink", policy)
		}
	}
	if !bytes.Equal(readFile(t, target), before) {
		t.Error("symlink target modified")
	}
}

func TestProgressLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hero.png")
	bloatedPNG(t, path, 300, 300)
	oldSize := fileSize(t, path)

	rep, out := run(t, testOptions(dir, PolicyConvert, 100))
	newSize := fileSize(t, filepath.Join(dir, "hero.jpg"))

	want := strings.Join([]string{
		fmt.Sprintf("Compressing hero.png (%.2f KB)...", float64(oldSize)/1024),
		"Converted hero.png to hero.jpg",
		fmt.Sprintf("Done: %.2f KB (Saved %.2f KB)", float64(newSize)/1024, float64(oldSize-newSize)/1024),
		rep.SummaryLine(),
	}, "\n") + "\n"
	if out != want {
		t.Errorf("output =\n%s\nwant\n%s", out, want)
	}
	if !strings.HasPrefix(rep.SummaryLine(), "Total: 1 converted, 0 recompressed, 0 skipped, 0 failed.") {
		t.Errorf("SummaryLine() = %q", rep.SummaryLine())
	}
}

func TestReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "hero.png")
	bloatedPNG(t, path, 300, 300)
	before := readFile(t, path)

	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0755) })

	rep, _ := run(t, testOptions(dir, PolicyConvert, 100))
	if o := outcomeFor(t, rep, path); o.Kind != report.KindFailed {
		t.Errorf("kind = %s, want failed", o.Kind)
	}
	if !bytes.Equal(readFile(t, path), before) {
		t.Error("original modified")
	}
	if exists(filepath.Join(dir, "hero.jpg")) {
		t.Error("partial output left behind")
	}
}

type recordingPreserver struct {
	calls []string
	err   error
}

func (p *recordingPreserver) Copy(src, dst string) error {
	p.calls = append(p.calls, src)
	return p.err
}

func (p *recordingPreserver) Close() error { return nil }

func TestMetadataCopiedForJPEGOnly(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.jpg")
	writeJPEG(t, photo, noiseImage(400, 400, 17), 100)
	bloatedPNG(t, filepath.Join(dir, "art.png"), 300, 300)

	preserver := &recordingPreserver{err: errors.New("exiftool missing")}
	opt := NewOptimizer(logger.Discard(), nil, preserver)
	rep, err := opt.Run(context.Background(), testOptions(dir, PolicyPreserve, 100))
	if err != nil {
		t.Fatal(err)
	}

	if len(preserver.calls) != 1 || preserver.calls[0] != photo {
		t.Errorf("preserver calls = %v, want only %s", preserver.calls, photo)
	}
	// a metadata failure is not an asset failure
	if n := len(rep.Failed()); n != 0 {
		t.Errorf("%d failed outcomes: %+v", n, rep.Failed())
	}
}

func TestProgressHook(t *testing.T) {
	dir := t.TempDir()
	bloatedPNG(t, filepath.Join(dir, "a.png"), 300, 300)
	writePNG(t, filepath.Join(dir, "b.png"), noiseImage(30, 30, 18), png.DefaultCompression)

	var seen []report.Kind
	opt := NewOptimizerWithHook(logger.Discard(), nil, nil, func(o report.Outcome) {
		seen = append(seen, o.Kind)
	})
	if _, err := opt.Run(context.Background(), testOptions(dir, PolicyPreserve, 100)); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != report.KindRecompressed || seen[1] != report.KindSkipped {
		t.Errorf("hook saw %v", seen)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	bloatedPNG(t, filepath.Join(dir, "a.png"), 300, 300)
	before := readFile(t, filepath.Join(dir, "a.png"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := NewOptimizer(logger.Discard(), nil, nil).Run(ctx, testOptions(dir, PolicyPreserve, 100))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rep == nil || rep.Len() != 0 {
		t.Errorf("partial report = %+v", rep)
	}
	if !bytes.Equal(readFile(t, filepath.Join(dir, "a.png")), before) {
		t.Error("asset modified after cancellation")
	}
}

func TestProcessFileUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewOptimizer(logger.Discard(), nil, nil).ProcessFile(context.Background(), path, DefaultOptions(dir))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ProcessFile() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAccepts(t *testing.T) {
	opts := testOptions("/assets", PolicyPreserve, 100).normalized()
	opts.Exclude = []string{"vendor/**", "*.min.png"}

	tests := []struct {
		path string
		want bool
	}{
		{"/assets/a.png", true},
		{"/assets/b.JPEG", true},
		{"/assets/c.gif", false},
		{"/assets/" + tempPrefix + "123.png", false},
		{"/assets/vendor/x.png", false},
		{"/assets/ui/button.min.png", false},
		{"/assets/ui/button.png", true},
	}
	for _, tt := range tests {
		if got := opts.Accepts(tt.path); got != tt.want {
			t.Errorf("Accepts(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestConvertedPath(t *testing.T) {
	tests := map[string]string{
		"/a/b.png":      "/a/b.jpg",
		"/a/b.JPEG":     "/a/b.jpg",
		"/a/b.c.png":    "/a/b.c.jpg",
		"/a/photo.jpg":  "/a/photo.jpg",
		"relative.jpeg": "relative.jpg",
	}
	for in, want := range tests {
		if got := convertedPath(in); got != want {
			t.Errorf("convertedPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := DefaultOptions("/srv")
	if opts.Directory != "/srv" || opts.Policy != PolicyPreserve || opts.ThresholdKB != 100 || opts.Quality != 75 {
		t.Errorf("DefaultOptions = %+v", opts)
	}
	if opts.Background != (color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}) {
		t.Errorf("background = %v", opts.Background)
	}
}
