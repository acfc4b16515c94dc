package schema

// Gate validates inbound requests and outbound responses with the service's
// descriptors. A nil descriptor lets values through unchanged.
type Gate struct {
	request  *Descriptor
	response *Descriptor
}

func NewGate(request, response *Descriptor) (*Gate, error) {
	for _, d := range []*Descriptor{request, response} {
		if d == nil {
			continue
		}
		if err := d.Compile(); err != nil {
			return nil, err
		}
	}
	return &Gate{request: request, response: response}, nil
}

func (g *Gate) ValidateRequest(raw any) (any, error) {
	if g == nil || g.request == nil {
		return raw, nil
	}
	return validateAny(raw, g.request)
}

func (g *Gate) ValidateResponse(raw any) (any, error) {
	if g == nil || g.response == nil {
		return raw, nil
	}
	return validateAny(raw, g.response)
}

func validateAny(raw any, d *Descriptor) (any, error) {
	out, err := Validate(raw, d)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Examples returns the request examples used for readiness probing.
func (g *Gate) Examples() []any {
	if g == nil {
		return nil
	}
	return g.request.ExampleValues()
}

// ChecksResponse reports whether outputs are shape-checked.
func (g *Gate) ChecksResponse() bool {
	return g != nil && g.response != nil
}

func (g *Gate) Request() *Descriptor {
	if g == nil {
		return nil
	}
	return g.request
}

func (g *Gate) Response() *Descriptor {
	if g == nil {
		return nil
	}
	return g.response
}
