package interceptor

import (
	"github.com/pion/interceptor"
)

// Factory creates one Estimator interceptor per PeerConnection. Register it
// with the interceptor registry to enable receiver-side bandwidth
// estimation:
//
//	factory, err := NewFactory(
//	    WithREMBInterval(time.Second),
//	    WithOnEstimate(func(bps int64, ssrcs []uint32) { ... }),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
type Factory struct {
	opts []Option
}

// NewFactory creates a factory applying the given options to every
// interceptor it builds. Option validity is checked per instance.
func NewFactory(opts ...Option) (*Factory, error) {
	// Fail fast on configurations that cannot construct an estimator.
	if _, err := NewEstimator(opts...); err != nil {
		return nil, err
	}
	return &Factory{opts: opts}, nil
}

// NewInterceptor builds a fresh Estimator for one PeerConnection.
func (f *Factory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return NewEstimator(f.opts...)
}
