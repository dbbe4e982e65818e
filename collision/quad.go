package collision

import (
	"math"
	"sort"

	"journeycore/protocol"
)

type Vector2 = protocol.Vector2

// 小于该值的重叠视为接触而非碰撞
const epsilon = 1e-9

// Quad 可旋转的矩形碰撞盒；Position 为中心点，Rotation 单位为度
type Quad struct {
	ID       int     `json:"id"`
	Position Vector2 `json:"position"`
	Size     Vector2 `json:"size"`
	Rotation float64 `json:"rotation"`
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// axes 两条边法线（单位向量）
func (q Quad) axes() [2]Vector2 {
	s, c := math.Sincos(radians(q.Rotation))
	return [2]Vector2{{X: c, Y: s}, {X: -s, Y: c}}
}

// Corners 顺时针四个角点
func (q Quad) Corners() [4]Vector2 {
	ax := q.axes()
	hx := ax[0].Scale(q.Size.X / 2)
	hy := ax[1].Scale(q.Size.Y / 2)
	p := q.Position
	return [4]Vector2{
		p.Sub(hx).Sub(hy),
		p.Add(hx).Sub(hy),
		p.Add(hx).Add(hy),
		p.Sub(hx).Add(hy),
	}
}

func dot(a, b Vector2) float64 { return a.X*b.X + a.Y*b.Y }

func project(q Quad, axis Vector2) (lo, hi float64) {
	cs := q.Corners()
	lo, hi = dot(cs[0], axis), dot(cs[0], axis)
	for _, c := range cs[1:] {
		d := dot(c, axis)
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	return lo, hi
}

// MTV 分离轴测试；若 a 与 b 重叠，返回把 a 推出 b 的最小平移向量。
// 每条轴取向两侧推出所需距离中较短的一侧，包含关系下也能完全分离
func MTV(a, b Quad) (Vector2, bool) {
	aa, ba := a.axes(), b.axes()
	axes := [4]Vector2{aa[0], aa[1], ba[0], ba[1]}

	best := math.Inf(1)
	var bestAxis Vector2
	for _, axis := range axes {
		aLo, aHi := project(a, axis)
		bLo, bHi := project(b, axis)
		toLow, toHigh := aHi-bLo, bHi-aLo
		push, dir := toHigh, axis
		if toLow < toHigh {
			push, dir = toLow, axis.Scale(-1)
		}
		if push <= epsilon {
			return Vector2{}, false
		}
		if push < best {
			best = push
			bestAxis = dir
		}
	}
	return bestAxis.Scale(best), true
}

// Resolve 按给定顺序逐个检查碰撞体，每次位移都作用在已位移后的碰撞盒上
func Resolve(q Quad, colliders []Quad) (Quad, []Vector2) {
	var displacements []Vector2
	for _, c := range colliders {
		mtv, ok := MTV(q, c)
		if !ok {
			continue
		}
		q.Position = q.Position.Add(mtv)
		displacements = append(displacements, mtv)
	}
	return q, displacements
}

// SortByID 确定性枚举顺序
func SortByID(colliders []Quad) {
	sort.SliceStable(colliders, func(i, j int) bool { return colliders[i].ID < colliders[j].ID })
}
