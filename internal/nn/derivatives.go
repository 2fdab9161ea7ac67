package nn

import "math"

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func reluDerivative(x, _ float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func tanhDerivative(_, y float64) float64 {
	return 1 - y*y
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func sigmoidDerivative(_, y float64) float64 {
	return y * (1 - y)
}

// softplus is log(1+e^x), evaluated without overflow for large x.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func softplusDerivative(x, _ float64) float64 {
	return sigmoid(x)
}

func elu(x float64) float64 {
	if x >= 0 {
		return x
	}
	return math.Expm1(x)
}

func eluDerivative(x, y float64) float64 {
	if x >= 0 {
		return 1
	}
	return y + 1
}

// Derivative evaluates the registered derivative of name at x.
func Derivative(name string, x float64) (float64, error) {
	act, err := GetActivation(name)
	if err != nil {
		return 0, err
	}
	return act.Derivative(x, act.Func(x)), nil
}
