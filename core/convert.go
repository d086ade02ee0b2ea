package core

// Pixel format constants matching RETRO_PIXEL_FORMAT_*.
const (
	pixelFormat0RGB1555 = 0
	pixelFormatXRGB8888 = 1
	pixelFormatRGB565   = 2
)

// convertToRGBA converts one frame of core pixel data to RGBA8888.
// src holds height rows of pitch bytes each; dst receives
// width*height*4 bytes. Unknown formats are treated as 0RGB1555,
// matching the libretro default.
func convertToRGBA(format int, src []byte, dst []byte, width, height, pitch int) {
	switch format {
	case pixelFormatXRGB8888:
		convertXRGB8888(src, dst, width, height, pitch)
	case pixelFormatRGB565:
		convertRGB565(src, dst, width, height, pitch)
	default:
		convert0RGB1555(src, dst, width, height, pitch)
	}
}

func convertXRGB8888(src, dst []byte, width, height, pitch int) {
	di := 0
	for y := 0; y < height; y++ {
		row := src[y*pitch:]
		for x := 0; x < width; x++ {
			si := x * 4
			// Little-endian XRGB8888: B G R X in memory
			dst[di+0] = row[si+2]
			dst[di+1] = row[si+1]
			dst[di+2] = row[si+0]
			dst[di+3] = 0xFF
			di += 4
		}
	}
}

func convertRGB565(src, dst []byte, width, height, pitch int) {
	di := 0
	for y := 0; y < height; y++ {
		row := src[y*pitch:]
		for x := 0; x < width; x++ {
			px := uint16(row[x*2]) | uint16(row[x*2+1])<<8
			dst[di+0] = byte((px >> 11 & 0x1F) * 255 / 31)
			dst[di+1] = byte((px >> 5 & 0x3F) * 255 / 63)
			dst[di+2] = byte((px & 0x1F) * 255 / 31)
			dst[di+3] = 0xFF
			di += 4
		}
	}
}

func convert0RGB1555(src, dst []byte, width, height, pitch int) {
	di := 0
	for y := 0; y < height; y++ {
		row := src[y*pitch:]
		for x := 0; x < width; x++ {
			px := uint16(row[x*2]) | uint16(row[x*2+1])<<8
			dst[di+0] = byte((px >> 10 & 0x1F) * 255 / 31)
			dst[di+1] = byte((px >> 5 & 0x1F) * 255 / 31)
			dst[di+2] = byte((px & 0x1F) * 255 / 31)
			dst[di+3] = 0xFF
			di += 4
		}
	}
}
