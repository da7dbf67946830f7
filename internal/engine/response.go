package engine

// Response accumulates status and headers until transmission begins. Exactly
// one Response exists per Request; its output sink is the response
// transmitter, which enforces the at-most-once transmit contract.
type Response struct {
	headers  *Headers
	status   int
	tx       *ResponseTransmitter
	takeOver func(func(any))
}

func newResponse(tx *ResponseTransmitter, takeOver func(func(any))) *Response {
	return &Response{
		headers:  tx.Headers(),
		status:   200,
		tx:       tx,
		takeOver: takeOver,
	}
}

// Headers returns the mutable outbound headers.
func (r *Response) Headers() *Headers {
	return r.headers
}

// Status sets the response status and returns the response for chaining.
func (r *Response) Status(code int) *Response {
	r.status = code
	return r
}

// ContentType sets the content-type header.
func (r *Response) ContentType(v string) *Response {
	r.headers.Set("content-type", v)
	return r
}

// Send transmits the response with the current status and the given body.
func (r *Response) Send(body []byte) error {
	return r.tx.Transmit(r.status, body)
}

// SendStatus transmits an empty response with the given status.
func (r *Response) SendStatus(code int) error {
	return r.tx.Transmit(code, nil)
}

// Stream transmits the response head with the current status and registers
// producer for chunked body delivery under the writability contract.
func (r *Response) Stream(producer Producer) error {
	return r.tx.TransmitStream(r.status, producer)
}

// TakeOver installs fn as the connection's raw subscriber: all subsequent
// inbound messages bypass request/response framing and are delivered to fn
// until the connection closes. Installing a subscriber counts as the
// response for the current request.
func (r *Response) TakeOver(fn func(any)) {
	r.takeOver(fn)
}

// Transmitter returns the response's transmitter.
func (r *Response) Transmitter() *ResponseTransmitter {
	return r.tx
}
