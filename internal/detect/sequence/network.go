package sequence

import (
	"math"
	"math/rand"
)

// lstmLayer holds one LSTM layer. Gate rows are ordered input, forget, cell, output; weight
// matrices are row-major with one row per gate unit.
type lstmLayer struct {
	In     int
	Hidden int
	Wx     []float64
	Wh     []float64
	B      []float64
}

// lstmTrace records the activations of one forward pass needed for backpropagation.
type lstmTrace struct {
	xs    [][]float64
	h     [][]float64
	c     [][]float64
	gates [][]float64
}

type dense struct {
	In  int
	Out int
	W   []float64
	B   []float64
}

// network is a stack of LSTM layers followed by a ReLU dense layer and a linear output unit.
type network struct {
	Layers []lstmLayer
	Hidden dense
	Output dense
}

// sampleTrace is the full forward record for one window.
type sampleTrace struct {
	layers  []*lstmTrace
	masks   [][][]float64
	last    []float64
	hiddenZ []float64
	hiddenA []float64
	out     float64
}

func newNetwork(inputs int, units []int, denseUnits int, rng *rand.Rand) *network {
	net := &network{}
	in := inputs
	for _, h := range units {
		l := lstmLayer{
			In:     in,
			Hidden: h,
			Wx:     make([]float64, 4*h*in),
			Wh:     make([]float64, 4*h*h),
			B:      make([]float64, 4*h),
		}
		glorot(l.Wx, in, 4*h, rng)
		glorot(l.Wh, h, 4*h, rng)
		for j := h; j < 2*h; j++ {
			l.B[j] = 1
		}
		net.Layers = append(net.Layers, l)
		in = h
	}
	net.Hidden = newDense(in, denseUnits, rng)
	net.Output = newDense(denseUnits, 1, rng)
	return net
}

func newDense(in, out int, rng *rand.Rand) dense {
	d := dense{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
	glorot(d.W, in, out, rng)
	return d
}

func glorot(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// params lists every parameter slice in a fixed order shared with zeroLike and clone.
func (n *network) params() [][]float64 {
	out := make([][]float64, 0, 3*len(n.Layers)+4)
	for i := range n.Layers {
		out = append(out, n.Layers[i].Wx, n.Layers[i].Wh, n.Layers[i].B)
	}
	return append(out, n.Hidden.W, n.Hidden.B, n.Output.W, n.Output.B)
}

func (n *network) zeroLike() *network {
	z := &network{
		Hidden: dense{In: n.Hidden.In, Out: n.Hidden.Out, W: make([]float64, len(n.Hidden.W)), B: make([]float64, len(n.Hidden.B))},
		Output: dense{In: n.Output.In, Out: n.Output.Out, W: make([]float64, len(n.Output.W)), B: make([]float64, len(n.Output.B))},
	}
	for _, l := range n.Layers {
		z.Layers = append(z.Layers, lstmLayer{
			In:     l.In,
			Hidden: l.Hidden,
			Wx:     make([]float64, len(l.Wx)),
			Wh:     make([]float64, len(l.Wh)),
			B:      make([]float64, len(l.B)),
		})
	}
	return z
}

func (n *network) clone() *network {
	c := n.zeroLike()
	dst := c.params()
	for i, p := range n.params() {
		copy(dst[i], p)
	}
	return c
}

func (n *network) zero() {
	for _, p := range n.params() {
		for i := range p {
			p[i] = 0
		}
	}
}

// forward runs one window through the network. With train set, inverted dropout at the given
// rate is applied to every LSTM layer output.
func (n *network) forward(inputs []float64, train bool, rate float64, rng *rand.Rand) *sampleTrace {
	seq := make([][]float64, len(inputs))
	for t, v := range inputs {
		seq[t] = []float64{v}
	}

	st := &sampleTrace{}
	for li := range n.Layers {
		tr := n.Layers[li].forward(seq)
		st.layers = append(st.layers, tr)

		out := tr.h
		var masks [][]float64
		if train && rate > 0 {
			out, masks = dropout(tr.h, rate, rng)
		}
		st.masks = append(st.masks, masks)
		seq = out
	}

	st.last = seq[len(seq)-1]
	st.hiddenZ = n.Hidden.forward(st.last)
	st.hiddenA = make([]float64, len(st.hiddenZ))
	for i, z := range st.hiddenZ {
		st.hiddenA[i] = math.Max(0, z)
	}
	st.out = n.Output.forward(st.hiddenA)[0]
	return st
}

// backward accumulates parameter gradients into grad for an output gradient dOut.
func (n *network) backward(st *sampleTrace, dOut float64, grad *network) {
	dA := n.Output.backward(st.hiddenA, []float64{dOut}, &grad.Output)
	for i, z := range st.hiddenZ {
		if z <= 0 {
			dA[i] = 0
		}
	}
	dLast := n.Hidden.backward(st.last, dA, &grad.Hidden)

	top := len(n.Layers) - 1
	steps := len(st.layers[top].xs)
	dh := make([][]float64, steps)
	dh[steps-1] = dLast
	for li := top; li >= 0; li-- {
		if masks := st.masks[li]; masks != nil {
			for t := range dh {
				if dh[t] == nil {
					continue
				}
				for j := range dh[t] {
					dh[t][j] *= masks[t][j]
				}
			}
		}
		dh = n.Layers[li].backward(st.layers[li], dh, &grad.Layers[li])
	}
}

func dropout(h [][]float64, rate float64, rng *rand.Rand) ([][]float64, [][]float64) {
	keep := 1 / (1 - rate)
	out := make([][]float64, len(h))
	masks := make([][]float64, len(h))
	for t := range h {
		out[t] = make([]float64, len(h[t]))
		masks[t] = make([]float64, len(h[t]))
		for j, v := range h[t] {
			if rng.Float64() >= rate {
				masks[t][j] = keep
				out[t][j] = v * keep
			}
		}
	}
	return out, masks
}

func (l *lstmLayer) forward(xs [][]float64) *lstmTrace {
	steps, hidden := len(xs), l.Hidden
	tr := &lstmTrace{
		xs:    xs,
		h:     make([][]float64, steps),
		c:     make([][]float64, steps),
		gates: make([][]float64, steps),
	}

	hPrev := make([]float64, hidden)
	cPrev := make([]float64, hidden)
	for t, x := range xs {
		z := make([]float64, 4*hidden)
		for r := range z {
			s := l.B[r]
			wx := l.Wx[r*l.In : (r+1)*l.In]
			for k, v := range x {
				s += wx[k] * v
			}
			wh := l.Wh[r*hidden : (r+1)*hidden]
			for k, v := range hPrev {
				s += wh[k] * v
			}
			z[r] = s
		}

		h := make([]float64, hidden)
		c := make([]float64, hidden)
		for j := 0; j < hidden; j++ {
			i := sigmoid(z[j])
			f := sigmoid(z[hidden+j])
			g := math.Tanh(z[2*hidden+j])
			o := sigmoid(z[3*hidden+j])
			z[j], z[hidden+j], z[2*hidden+j], z[3*hidden+j] = i, f, g, o

			c[j] = f*cPrev[j] + i*g
			h[j] = o * math.Tanh(c[j])
		}
		tr.gates[t], tr.h[t], tr.c[t] = z, h, c
		hPrev, cPrev = h, c
	}
	return tr
}

// backward runs backpropagation through time given the gradient of the loss with respect to each
// step's hidden output (nil rows are zero) and returns the gradient with respect to each input.
func (l *lstmLayer) backward(tr *lstmTrace, dh [][]float64, grad *lstmLayer) [][]float64 {
	steps, hidden := len(tr.xs), l.Hidden
	zeros := make([]float64, hidden)
	dhNext := make([]float64, hidden)
	dcNext := make([]float64, hidden)
	dz := make([]float64, 4*hidden)
	dxs := make([][]float64, steps)

	for t := steps - 1; t >= 0; t-- {
		gates, c := tr.gates[t], tr.c[t]
		hPrev, cPrev := zeros, zeros
		if t > 0 {
			hPrev, cPrev = tr.h[t-1], tr.c[t-1]
		}

		for j := 0; j < hidden; j++ {
			d := dhNext[j]
			if dh[t] != nil {
				d += dh[t][j]
			}
			i, f, g, o := gates[j], gates[hidden+j], gates[2*hidden+j], gates[3*hidden+j]
			tc := math.Tanh(c[j])

			dc := d*o*(1-tc*tc) + dcNext[j]
			dz[j] = dc * g * i * (1 - i)
			dz[hidden+j] = dc * cPrev[j] * f * (1 - f)
			dz[2*hidden+j] = dc * i * (1 - g*g)
			dz[3*hidden+j] = d * tc * o * (1 - o)
			dcNext[j] = dc * f
		}

		x := tr.xs[t]
		dx := make([]float64, l.In)
		dhPrev := make([]float64, hidden)
		for r, g := range dz {
			if g == 0 {
				continue
			}
			grad.B[r] += g
			wx, gx := l.Wx[r*l.In:(r+1)*l.In], grad.Wx[r*l.In:(r+1)*l.In]
			for k := range x {
				gx[k] += g * x[k]
				dx[k] += wx[k] * g
			}
			wh, gh := l.Wh[r*hidden:(r+1)*hidden], grad.Wh[r*hidden:(r+1)*hidden]
			for k := range hPrev {
				gh[k] += g * hPrev[k]
				dhPrev[k] += wh[k] * g
			}
		}
		dxs[t] = dx
		dhNext = dhPrev
	}
	return dxs
}

func (d *dense) forward(x []float64) []float64 {
	out := make([]float64, d.Out)
	for j := range out {
		s := d.B[j]
		w := d.W[j*d.In : (j+1)*d.In]
		for k, v := range x {
			s += w[k] * v
		}
		out[j] = s
	}
	return out
}

func (d *dense) backward(x, dOut []float64, grad *dense) []float64 {
	dx := make([]float64, d.In)
	for j, g := range dOut {
		if g == 0 {
			continue
		}
		grad.B[j] += g
		w, gw := d.W[j*d.In:(j+1)*d.In], grad.W[j*d.In:(j+1)*d.In]
		for k, v := range x {
			gw[k] += g * v
			dx[k] += w[k] * g
		}
	}
	return dx
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
