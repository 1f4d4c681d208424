package canvas

import (
	"github.com/inkwire/inkwire/protocol"
)

// Per-pixel blend math. All arithmetic is integer and rounding is fixed, so
// any two implementations replaying the same messages produce byte identical
// pixels. Pixels are non-premultiplied 32 bit ARGB.

func argb(a, r, g, b uint32) uint32 {
	return a<<24 | r<<16 | g<<8 | b
}

func alphaOf(p uint32) uint32 { return p >> 24 & 0xff }
func redOf(p uint32) uint32   { return p >> 16 & 0xff }
func greenOf(p uint32) uint32 { return p >> 8 & 0xff }
func blueOf(p uint32) uint32  { return p & 0xff }

// rounding fixed-point byte multiply
func mul8(a, b uint32) uint32 {
	return (a*b + 127) / 255
}

func clampByte(v int32) uint32 {
	if v < 0 {
		return 0
	}
	if 255 < v {
		return 255
	}
	return uint32(v)
}

// channel blend functions for the separable modes
func blendChannel(mode protocol.Blend, b, s uint32) uint32 {
	switch mode {
	case protocol.BlendMultiply:
		return mul8(b, s)
	case protocol.BlendScreen:
		return 255 - mul8(255-b, 255-s)
	case protocol.BlendOverlay:
		if b <= 127 {
			return mul8(2*b, s)
		}
		return 255 - mul8(2*(255-b), 255-s)
	case protocol.BlendDarken:
		return min(b, s)
	case protocol.BlendLighten:
		return max(b, s)
	case protocol.BlendAdd:
		return min(255, b+s)
	case protocol.BlendSubtract:
		return clampByte(int32(b) - int32(s))
	}
	return s
}

// BlendPixel composites one source pixel over a backdrop pixel with the
// source attenuated by opacity. Order matters: composition is strictly
// bottom to top and the result depends on it.
func BlendPixel(mode protocol.Blend, backdrop uint32, source uint32, opacity uint8) uint32 {
	sa := mul8(alphaOf(source), uint32(opacity))
	ba := alphaOf(backdrop)

	switch mode {
	case protocol.BlendErase:
		return argb(
			clampByte(int32(ba)-int32(sa)),
			redOf(backdrop),
			greenOf(backdrop),
			blueOf(backdrop),
		)
	case protocol.BlendRecolor:
		if ba == 0 {
			return backdrop
		}
		return argb(
			ba,
			lerp8(redOf(backdrop), redOf(source), sa),
			lerp8(greenOf(backdrop), greenOf(source), sa),
			lerp8(blueOf(backdrop), blueOf(source), sa),
		)
	}

	if sa == 0 {
		return backdrop
	}

	sr := redOf(source)
	sg := greenOf(source)
	sb := blueOf(source)
	if mode != protocol.BlendNormal {
		// mix the blended color in proportion to backdrop coverage,
		// then composite as usual
		sr = lerp8(sr, blendChannel(mode, redOf(backdrop), sr), ba)
		sg = lerp8(sg, blendChannel(mode, greenOf(backdrop), sg), ba)
		sb = lerp8(sb, blendChannel(mode, blueOf(backdrop), sb), ba)
	}

	return sourceOver(backdrop, argb(sa, sr, sg, sb))
}

func lerp8(from, to, t uint32) uint32 {
	return from + mul8(to, t) - mul8(from, t)
}

// non-premultiplied source-over
func sourceOver(backdrop uint32, source uint32) uint32 {
	sa := alphaOf(source)
	ba := alphaOf(backdrop)
	bw := mul8(ba, 255-sa)
	ra := sa + bw
	if ra == 0 {
		return 0
	}
	comp := func(sc, bc uint32) uint32 {
		return (sc*sa + bc*bw + ra/2) / ra
	}
	return argb(
		ra,
		comp(redOf(source), redOf(backdrop)),
		comp(greenOf(source), greenOf(backdrop)),
		comp(blueOf(source), blueOf(backdrop)),
	)
}
