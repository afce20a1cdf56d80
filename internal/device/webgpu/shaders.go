// Package webgpu: embedded WGSL compute shaders, one per contract
// primitive. Every shader binds its storage buffers at 0..n-1 in call order
// and its uniform parameter block last, matching Backend.dispatch.
package webgpu

// workgroupSize is the thread count per linear workgroup.
const workgroupSize = 256

// fillShader sets dst[i] = value.
const fillShader = `
@group(0) @binding(0) var<storage, read_write> dst: array<f32>;

struct Params {
    size: u32,
    value: f32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < params.size) {
        dst[i] = params.value;
    }
}
`

// axpyShader computes y[i] += alpha * x[i].
const axpyShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    size: u32,
    alpha: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < params.size) {
        y[i] = y[i] + params.alpha * x[i];
    }
}
`

// gemmShader computes C = alpha*op(A)*op(B) + beta*C for row-major
// matrices, with per-operand transpose flags. op(A) is MxK, op(B) is KxN.
const gemmShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;

struct Params {
    m: u32,
    n: u32,
    k: u32,
    trans_a: u32,
    trans_b: u32,
    alpha: f32,
    beta: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y;
    let col = gid.x;
    if (row >= params.m || col >= params.n) {
        return;
    }

    var sum: f32 = 0.0;
    for (var p: u32 = 0u; p < params.k; p = p + 1u) {
        var av: f32;
        if (params.trans_a != 0u) {
            av = a[p * params.m + row];
        } else {
            av = a[row * params.k + p];
        }
        var bv: f32;
        if (params.trans_b != 0u) {
            bv = b[col * params.k + p];
        } else {
            bv = b[p * params.n + col];
        }
        sum = sum + av * bv;
    }

    let idx = row * params.n + col;
    c[idx] = params.alpha * sum + params.beta * c[idx];
}
`

// convForwardShader cross-correlates x with the filter bank w, one thread
// per output element.
const convForwardShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> w: array<f32>;
@group(0) @binding(2) var<storage, read_write> y: array<f32>;

struct Params {
    batch: u32,
    cin: u32,
    hin: u32,
    win: u32,
    cout: u32,
    hout: u32,
    wout: u32,
    k: u32,
    pad: i32,
    stride: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let total = params.batch * params.cout * params.hout * params.wout;
    let idx = gid.x;
    if (idx >= total) {
        return;
    }

    let ow = idx % params.wout;
    let oh = (idx / params.wout) % params.hout;
    let co = (idx / (params.wout * params.hout)) % params.cout;
    let n = idx / (params.wout * params.hout * params.cout);

    var sum: f32 = 0.0;
    for (var ci: u32 = 0u; ci < params.cin; ci = ci + 1u) {
        for (var kh: u32 = 0u; kh < params.k; kh = kh + 1u) {
            for (var kw: u32 = 0u; kw < params.k; kw = kw + 1u) {
                let ih = i32(oh * params.stride + kh) - params.pad;
                let iw = i32(ow * params.stride + kw) - params.pad;
                if (ih < 0 || ih >= i32(params.hin) || iw < 0 || iw >= i32(params.win)) {
                    continue;
                }
                let xi = ((n * params.cin + ci) * params.hin + u32(ih)) * params.win + u32(iw);
                let wi = ((co * params.cin + ci) * params.k + kh) * params.k + kw;
                sum = sum + x[xi] * w[wi];
            }
        }
    }
    y[idx] = sum;
}
`

// convBackwardDataShader computes dx in gather form: one thread per input
// element sums the output gradients whose windows covered it.
const convBackwardDataShader = `
@group(0) @binding(0) var<storage, read> w: array<f32>;
@group(0) @binding(1) var<storage, read> dy: array<f32>;
@group(0) @binding(2) var<storage, read_write> dx: array<f32>;

struct Params {
    batch: u32,
    cin: u32,
    hin: u32,
    win: u32,
    cout: u32,
    hout: u32,
    wout: u32,
    k: u32,
    pad: i32,
    stride: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let total = params.batch * params.cin * params.hin * params.win;
    let idx = gid.x;
    if (idx >= total) {
        return;
    }

    let iw = idx % params.win;
    let ih = (idx / params.win) % params.hin;
    let ci = (idx / (params.win * params.hin)) % params.cin;
    let n = idx / (params.win * params.hin * params.cin);

    var sum: f32 = 0.0;
    for (var co: u32 = 0u; co < params.cout; co = co + 1u) {
        for (var kh: u32 = 0u; kh < params.k; kh = kh + 1u) {
            for (var kw: u32 = 0u; kw < params.k; kw = kw + 1u) {
                let num_h = i32(ih) + params.pad - i32(kh);
                let num_w = i32(iw) + params.pad - i32(kw);
                if (num_h < 0 || num_w < 0) {
                    continue;
                }
                let s = i32(params.stride);
                if (num_h % s != 0 || num_w % s != 0) {
                    continue;
                }
                let oh = u32(num_h) / params.stride;
                let ow = u32(num_w) / params.stride;
                if (oh >= params.hout || ow >= params.wout) {
                    continue;
                }
                let gi = ((n * params.cout + co) * params.hout + oh) * params.wout + ow;
                let wi = ((co * params.cin + ci) * params.k + kh) * params.k + kw;
                sum = sum + dy[gi] * w[wi];
            }
        }
    }
    dx[idx] = sum;
}
`

// convBackwardFilterShader computes dw, one thread per filter weight,
// summing over batch and output positions.
const convBackwardFilterShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> dy: array<f32>;
@group(0) @binding(2) var<storage, read_write> dw: array<f32>;

struct Params {
    batch: u32,
    cin: u32,
    hin: u32,
    win: u32,
    cout: u32,
    hout: u32,
    wout: u32,
    k: u32,
    pad: i32,
    stride: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let total = params.cout * params.cin * params.k * params.k;
    let idx = gid.x;
    if (idx >= total) {
        return;
    }

    let kw = idx % params.k;
    let kh = (idx / params.k) % params.k;
    let ci = (idx / (params.k * params.k)) % params.cin;
    let co = idx / (params.k * params.k * params.cin);

    var sum: f32 = 0.0;
    for (var n: u32 = 0u; n < params.batch; n = n + 1u) {
        for (var oh: u32 = 0u; oh < params.hout; oh = oh + 1u) {
            for (var ow: u32 = 0u; ow < params.wout; ow = ow + 1u) {
                let ih = i32(oh * params.stride + kh) - params.pad;
                let iw = i32(ow * params.stride + kw) - params.pad;
                if (ih < 0 || ih >= i32(params.hin) || iw < 0 || iw >= i32(params.win)) {
                    continue;
                }
                let xi = ((n * params.cin + ci) * params.hin + u32(ih)) * params.win + u32(iw);
                let gi = ((n * params.cout + co) * params.hout + oh) * params.wout + ow;
                sum = sum + x[xi] * dy[gi];
            }
        }
    }
    dw[idx] = sum;
}
`

// convBackwardBiasShader sums dy over batch and spatial positions, one
// thread per output channel.
const convBackwardBiasShader = `
@group(0) @binding(0) var<storage, read> dy: array<f32>;
@group(0) @binding(1) var<storage, read_write> db: array<f32>;

struct Params {
    batch: u32,
    cout: u32,
    hw: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let c = gid.x;
    if (c >= params.cout) {
        return;
    }
    var sum: f32 = 0.0;
    for (var n: u32 = 0u; n < params.batch; n = n + 1u) {
        let base = (n * params.cout + c) * params.hw;
        for (var i: u32 = 0u; i < params.hw; i = i + 1u) {
            sum = sum + dy[base + i];
        }
    }
    db[c] = sum;
}
`

// addBiasShader adds bias[c] to every element of channel c.
const addBiasShader = `
@group(0) @binding(0) var<storage, read> bias: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    size: u32,
    cout: u32,
    hw: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.size) {
        return;
    }
    let c = (i / params.hw) % params.cout;
    y[i] = y[i] + bias[c];
}
`

// poolForwardShader takes the maximum of each pooling window, one thread
// per output element.
const poolForwardShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    batch: u32,
    channels: u32,
    hin: u32,
    win: u32,
    hout: u32,
    wout: u32,
    kernel: u32,
    stride: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let total = params.batch * params.channels * params.hout * params.wout;
    let idx = gid.x;
    if (idx >= total) {
        return;
    }

    let ow = idx % params.wout;
    let oh = (idx / params.wout) % params.hout;
    let c = (idx / (params.wout * params.hout)) % params.channels;
    let n = idx / (params.wout * params.hout * params.channels);

    var best: f32 = -3.4028235e38;
    for (var kh: u32 = 0u; kh < params.kernel; kh = kh + 1u) {
        for (var kw: u32 = 0u; kw < params.kernel; kw = kw + 1u) {
            let ih = oh * params.stride + kh;
            let iw = ow * params.stride + kw;
            if (ih >= params.hin || iw >= params.win) {
                continue;
            }
            let v = x[((n * params.channels + c) * params.hin + ih) * params.win + iw];
            best = max(best, v);
        }
    }
    y[idx] = best;
}
`

// poolBackwardShader routes each window's gradient to the first position
// equal to the forward maximum. One thread per input element: it receives
// the gradient only when it is that first-max position, so no two threads
// write the same slot.
const poolBackwardShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> y: array<f32>;
@group(0) @binding(2) var<storage, read> dy: array<f32>;
@group(0) @binding(3) var<storage, read_write> dx: array<f32>;

struct Params {
    batch: u32,
    channels: u32,
    hin: u32,
    win: u32,
    hout: u32,
    wout: u32,
    kernel: u32,
    stride: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let total = params.batch * params.channels * params.hin * params.win;
    let idx = gid.x;
    if (idx >= total) {
        return;
    }

    let iw = idx % params.win;
    let ih = (idx / params.win) % params.hin;
    let c = (idx / (params.win * params.hin)) % params.channels;
    let n = idx / (params.win * params.hin * params.channels);
    let plane = (n * params.channels + c);

    var sum: f32 = 0.0;
    for (var kh: u32 = 0u; kh < params.kernel; kh = kh + 1u) {
        for (var kw: u32 = 0u; kw < params.kernel; kw = kw + 1u) {
            if (ih < kh || iw < kw) {
                continue;
            }
            let top = ih - kh;
            let left = iw - kw;
            if (top % params.stride != 0u || left % params.stride != 0u) {
                continue;
            }
            let oh = top / params.stride;
            let ow = left / params.stride;
            if (oh >= params.hout || ow >= params.wout) {
                continue;
            }

            let oi = (plane * params.hout + oh) * params.wout + ow;
            let m = y[oi];
            if (x[idx] != m) {
                continue;
            }

            // Only the first window position holding the max receives the
            // gradient. The scan stops at this thread's own position.
            var first = true;
            var done = false;
            for (var ph: u32 = 0u; ph < params.kernel && !done; ph = ph + 1u) {
                for (var pw: u32 = 0u; pw < params.kernel; pw = pw + 1u) {
                    let qh = oh * params.stride + ph;
                    let qw = ow * params.stride + pw;
                    if (qh >= params.hin || qw >= params.win) {
                        continue;
                    }
                    if (qh == ih && qw == iw) {
                        done = true;
                        break;
                    }
                    if (x[(plane * params.hin + qh) * params.win + qw] == m) {
                        first = false;
                        done = true;
                        break;
                    }
                }
            }
            if (first) {
                sum = sum + dy[oi];
            }
        }
    }
    dx[idx] = sum;
}
`

// activationForwardShader applies the selected nonlinearity
// (0 sigmoid, 1 relu, 2 tanh).
const activationForwardShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    size: u32,
    mode: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.size) {
        return;
    }
    let v = x[i];
    if (params.mode == 0u) {
        y[i] = 1.0 / (1.0 + exp(-v));
    } else if (params.mode == 1u) {
        y[i] = max(v, 0.0);
    } else {
        y[i] = tanh(v);
    }
}
`

// activationBackwardShader computes dx = dy * f'(x), expressed through the
// forward output where cheaper.
const activationBackwardShader = `
@group(0) @binding(0) var<storage, read> y: array<f32>;
@group(0) @binding(1) var<storage, read> dy: array<f32>;
@group(0) @binding(2) var<storage, read> x: array<f32>;
@group(0) @binding(3) var<storage, read_write> dx: array<f32>;

struct Params {
    size: u32,
    mode: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.size) {
        return;
    }
    if (params.mode == 0u) {
        dx[i] = dy[i] * y[i] * (1.0 - y[i]);
    } else if (params.mode == 1u) {
        dx[i] = select(0.0, dy[i], x[i] > 0.0);
    } else {
        dx[i] = dy[i] * (1.0 - y[i] * y[i]);
    }
}
`

// softmaxForwardShader computes a max-subtracted softmax, one thread per
// batch row.
const softmaxForwardShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.x;
    if (row >= params.rows) {
        return;
    }
    let off = row * params.cols;

    var m: f32 = x[off];
    for (var i: u32 = 1u; i < params.cols; i = i + 1u) {
        m = max(m, x[off + i]);
    }
    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let e = exp(x[off + i] - m);
        y[off + i] = e;
        sum = sum + e;
    }
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        y[off + i] = y[off + i] / sum;
    }
}
`

// softmaxBackwardShader computes dx = y * (dy - dot(dy, y)) per row.
const softmaxBackwardShader = `
@group(0) @binding(0) var<storage, read> y: array<f32>;
@group(0) @binding(1) var<storage, read> dy: array<f32>;
@group(0) @binding(2) var<storage, read_write> dx: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.x;
    if (row >= params.rows) {
        return;
    }
    let off = row * params.cols;

    var dot: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        dot = dot + dy[off + i] * y[off + i];
    }
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        dx[off + i] = y[off + i] * (dy[off + i] - dot);
    }
}
`

// softmaxLossGradShader subtracts 1.0 at each row's true-class index, one
// thread per batch row.
const softmaxLossGradShader = `
@group(0) @binding(0) var<storage, read_write> g: array<f32>;
@group(0) @binding(1) var<storage, read> labels: array<f32>;

struct Params {
    batch: u32,
    classes: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.x;
    if (row >= params.batch) {
        return;
    }
    let label = u32(labels[row]);
    if (label < params.classes) {
        let i = row * params.classes + label;
        g[i] = g[i] - 1.0;
    }
}
`
