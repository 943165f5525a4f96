package detections

import (
	"image"
)

// normalize maps an 8-bit sample to [-1, 1]: (p/255 - 0.5) / 0.5.
func normalize(p uint8) float32 {
	return (float32(p)/255.0 - 0.5) / 0.5
}

// channelProcessor writes pixels into a planar (CHW) buffer: the whole red
// plane, then green, then blue. Alpha is dropped.
type channelProcessor struct {
	width, height int
	buffer        []float32
	channelSize   int
}

func newChannelProcessor(width, height int) *channelProcessor {
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		buffer:      make([]float32, width*height*Channels),
	}
}

func (cp *channelProcessor) processChannels(img image.Image) {
	if nrgba, ok := img.(*image.NRGBA); ok {
		cp.processNRGBA(nrgba)
		return
	}
	cp.processGeneric(img)
}

func (cp *channelProcessor) processNRGBA(img *image.NRGBA) {
	for y := 0; y < cp.height; y++ {
		row := img.Pix[y*img.Stride:]
		offset := y * cp.width
		for x := 0; x < cp.width; x++ {
			i := offset + x
			p := row[x*4 : x*4+3]
			cp.buffer[i] = normalize(p[0])
			cp.buffer[cp.channelSize+i] = normalize(p[1])
			cp.buffer[cp.channelSize*2+i] = normalize(p[2])
		}
	}
}

func (cp *channelProcessor) processGeneric(img image.Image) {
	b := img.Bounds()
	for y := 0; y < cp.height; y++ {
		offset := y * cp.width
		for x := 0; x < cp.width; x++ {
			i := offset + x
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			cp.buffer[i] = normalize(uint8(r >> 8))
			cp.buffer[cp.channelSize+i] = normalize(uint8(g >> 8))
			cp.buffer[cp.channelSize*2+i] = normalize(uint8(bl >> 8))
		}
	}
}
