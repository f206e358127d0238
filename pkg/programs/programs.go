package programs

import "github.com/oisee/memplan/pkg/dsl"

const intWidth = 32

func init() {
	Register("millionaire", "single comparison of one garbler and one evaluator value", millionaire)
	Register("inner_product", "inner product of two problem_size-element vectors", innerProduct)
	Register("running_max", "running maximum over interleaved party inputs", runningMax)
}

// millionaire outputs one bit: is the garbler's value less than the
// evaluator's.
func millionaire(ctx *dsl.Context, opts Options) error {
	a := ctx.Input(intWidth, dsl.Garbler)
	b := ctx.Input(intWidth, dsl.Evaluator)
	lt := ctx.Less(a, b)
	ctx.Output(lt)
	ctx.Drop(a)
	ctx.Drop(b)
	ctx.Drop(lt)
	return nil
}

// innerProduct multiplies element pairs and accumulates. The vectors do
// not fit in memory for large problem sizes, which is the point: the
// access pattern exercises the planner's paging.
func innerProduct(ctx *dsl.Context, opts Options) error {
	ctx.StartTimer()
	acc := ctx.Constant(intWidth, 0)
	for i := uint64(0); i < opts.ProblemSize; i++ {
		a := ctx.Input(intWidth, dsl.Garbler)
		b := ctx.Input(intWidth, dsl.Evaluator)
		p := ctx.Mul(a, b)
		ctx.Drop(a)
		ctx.Drop(b)
		next := ctx.Add(acc, p)
		ctx.Drop(p)
		ctx.Drop(acc)
		acc = next
	}
	ctx.StopTimer()
	ctx.Output(acc)
	ctx.Drop(acc)
	return nil
}

// runningMax keeps the largest of alternating garbler and evaluator
// inputs, exercising the mux path.
func runningMax(ctx *dsl.Context, opts Options) error {
	best := ctx.Constant(intWidth, 0)
	for i := uint64(0); i < opts.ProblemSize; i++ {
		from := dsl.Garbler
		if i%2 == 1 {
			from = dsl.Evaluator
		}
		v := ctx.Input(intWidth, from)
		gt := ctx.Less(best, v)
		next := ctx.Mux(gt, v, best)
		ctx.Drop(gt)
		ctx.Drop(v)
		ctx.Drop(best)
		best = next
	}
	ctx.Output(best)
	ctx.Drop(best)
	return nil
}
