// Package webgpu implements the device.Backend contract on the GPU through
// WebGPU compute shaders, using go-webgpu for zero-CGO bindings.
//
// Buffers are storage buffers resident on the device for their whole
// lifetime; host transfers go through mapped staging buffers. Compiled
// shader modules and compute pipelines are cached per operation name.
package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ device.Backend = (*Backend)(nil)

// Backend issues the contract's primitives as WGSL compute dispatches on a
// single ordered queue.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	// One-element sentinel read back by Synchronize to drain the queue.
	sentinel *wgpu.Buffer
}

// New acquires a high-performance adapter and device. Returns
// device.ErrNoDevice when no usable GPU is present.
func New() (backend *Backend, err error) {
	// The native library aborts with a panic when absent; fold that into
	// the no-device error.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("%w: %v", device.ErrNoDevice, r)
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil {
		return nil, fmt.Errorf("%w: create instance: %v", device.ErrNoDevice, instErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", device.ErrNoDevice, adapterErr)
	}

	dev, devErr := adapter.RequestDevice(nil)
	if devErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", device.ErrNoDevice, devErr)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", device.ErrNoDevice)
	}

	b := &Backend{
		instance:  instance,
		adapter:   adapter,
		device:    dev,
		queue:     queue,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	b.sentinel = b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  4,
	})
	return b, nil
}

// Name identifies the backend.
func (b *Backend) Name() string { return "webgpu" }

type gpuBuffer struct {
	buf *wgpu.Buffer
	n   int
}

func (g *gpuBuffer) Len() int { return g.n }

func (g *gpuBuffer) Release() {
	if g.buf != nil {
		g.buf.Release()
		g.buf = nil
	}
}

func (g *gpuBuffer) byteSize() uint64 { return uint64(g.n) * 4 }

func asGPU(buf device.Buffer) (*gpuBuffer, error) {
	g, ok := buf.(*gpuBuffer)
	if !ok {
		return nil, fmt.Errorf("webgpu: foreign buffer %T", buf)
	}
	if g.buf == nil {
		return nil, fmt.Errorf("webgpu: use of released buffer")
	}
	return g, nil
}

// Alloc creates a zero-initialized storage buffer of n float32 elements.
// WebGPU guarantees zero initialization.
func (b *Backend) Alloc(n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("webgpu: invalid allocation size %d", n)
	}
	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  uint64(n) * 4,
	})
	if buf == nil {
		return nil, fmt.Errorf("webgpu: allocation of %d elements failed", n)
	}
	return &gpuBuffer{buf: buf, n: n}, nil
}

// stagingUpload creates a mapped buffer pre-filled with data.
func (b *Backend) stagingUpload(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	copy(mapped, data)
	buf.Unmap()
	return buf
}

// Upload copies host float32 values into the front of dst.
func (b *Backend) Upload(dst device.Buffer, src []float32) error {
	g, err := asGPU(dst)
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if len(src) > g.n {
		return fmt.Errorf("webgpu: upload of %d elements into buffer of %d", len(src), g.n)
	}

	data := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	staging := b.stagingUpload(data, wgpu.BufferUsageCopySrc)
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, g.buf, 0, uint64(len(data)))
	b.queue.Submit(encoder.Finish(nil))
	return nil
}

// readBuffer drains src into host memory through a mapped staging buffer.
func (b *Backend) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	out := make([]byte, size)
	copy(out, mapped)
	staging.Unmap()
	return out, nil
}

// Download copies the front of src into dst.
func (b *Backend) Download(dst []float32, src device.Buffer) error {
	g, err := asGPU(src)
	if err != nil {
		return err
	}
	if len(dst) > g.n {
		return fmt.Errorf("webgpu: download of %d elements from buffer of %d", len(dst), g.n)
	}
	data, err := b.readBuffer(g.buf, uint64(len(dst))*4)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return nil
}

// Copy copies n elements device-to-device.
func (b *Backend) Copy(dst, src device.Buffer, n int) error {
	gd, err := asGPU(dst)
	if err != nil {
		return err
	}
	gs, err := asGPU(src)
	if err != nil {
		return err
	}
	if n > gd.n || n > gs.n {
		return fmt.Errorf("webgpu: copy of %d elements exceeds buffer bounds (%d, %d)", n, gd.n, gs.n)
	}
	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(gs.buf, 0, gd.buf, 0, uint64(n)*4)
	b.queue.Submit(encoder.Finish(nil))
	return nil
}

// compileShader caches WGSL shader modules by operation name.
func (b *Backend) compileShader(name, code string) *wgpu.ShaderModule {
	b.mu.RLock()
	if shader, ok := b.shaders[name]; ok {
		b.mu.RUnlock()
		return shader
	}
	b.mu.RUnlock()

	shader := b.device.CreateShaderModuleWGSL(code)

	b.mu.Lock()
	b.shaders[name] = shader
	b.mu.Unlock()
	return shader
}

// pipeline caches compute pipelines by operation name.
func (b *Backend) pipeline(name, code string) *wgpu.ComputePipeline {
	b.mu.RLock()
	if p, ok := b.pipelines[name]; ok {
		b.mu.RUnlock()
		return p
	}
	b.mu.RUnlock()

	p := b.device.CreateComputePipelineSimple(nil, b.compileShader(name, code), "main")

	b.mu.Lock()
	b.pipelines[name] = p
	b.mu.Unlock()
	return p
}

// dispatch runs one compute pass. Storage buffers bind at 0..len-1 in order
// and the uniform parameter block binds last; every shader follows that
// convention. params is padded to the 16-byte uniform alignment.
func (b *Backend) dispatch(name, code string, storage []device.Buffer, params []byte, x, y, z uint32) error {
	pipe := b.pipeline(name, code)

	aligned := make([]byte, (len(params)+15)&^15)
	copy(aligned, params)
	uniform := b.stagingUpload(aligned, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	defer uniform.Release()

	entries := make([]wgpu.BindGroupEntry, 0, len(storage)+1)
	for i, buf := range storage {
		g, err := asGPU(buf)
		if err != nil {
			return fmt.Errorf("webgpu: %s: binding %d: %w", name, i, err)
		}
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), g.buf, 0, g.byteSize()))
	}
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(storage)), uniform, 0, uint64(len(aligned))))

	bindGroup := b.device.CreateBindGroupSimple(pipe.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	b.queue.Submit(encoder.Finish(nil))
	return nil
}

// groups1D returns the linear workgroup count for n threads.
func groups1D(n int) uint32 {
	return uint32((n + workgroupSize - 1) / workgroupSize)
}

// Synchronize drains the queue by reading back the sentinel buffer; queue
// submissions are ordered, so the read completes only after all prior work.
func (b *Backend) Synchronize() error {
	_, err := b.readBuffer(b.sentinel, 4)
	return err
}

// Close releases the device handles. Buffers must already be released.
func (b *Backend) Close() error {
	if b.sentinel != nil {
		b.sentinel.Release()
		b.sentinel = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
	return nil
}
