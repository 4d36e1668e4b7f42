package kernelsystem

import (
	"context"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// maxVDSOSize bounds the vdso copy; the real image is a handful of
// pages, so anything larger means the size field read garbage.
const maxVDSOSize = 1 << 20

// ReadVDSOImage copies the kernel's embedded vdso image out of guest
// memory: vdso_image_64.data points at the page-aligned ELF the
// kernel maps into every 64-bit process, and vdso_image_64.size is
// its length. The returned bytes parse with elfimage.LoadBytes and
// load as one more userspace loader.
func ReadVDSOImage(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) ([]byte, error) {
	img, err := oracle.Variable(ctx, "vdso_image_64")
	if err != nil {
		return nil, err
	}

	dataField, err := img.Member(ctx, "data", false)
	if err != nil {
		return nil, err
	}
	raw, err := mem.Read(ctx, dataField.Address(), 8, 0)
	if err != nil {
		return nil, err
	}
	ptr := layout.AMD64.Uint64(raw)

	sizeField, err := img.Member(ctx, "size", false)
	if err != nil {
		return nil, err
	}
	raw, err = mem.Read(ctx, sizeField.Address(), 8, 0)
	if err != nil {
		return nil, err
	}
	size := layout.AMD64.Uint64(raw)

	if ptr == 0 || size == 0 || size > maxVDSOSize {
		return nil, kerr.New(kerr.NotFound, "vdso", "vdso_image_64 data %#x size %#x implausible", ptr, size)
	}
	return mem.Read(ctx, ptr, int(size), 0)
}
