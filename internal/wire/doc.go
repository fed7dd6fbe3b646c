/*
Package wire implements the line-oriented event protocol that carries agent progress over a
single streamed /chat response body.

Every event is one line:

	data: {"type":"tool_use","data":"{\"id\":\"t1\",\"name\":\"Bash\",\"input\":{}}"}

followed by a blank line. The envelope's data field is a string; for structured event types
it holds a JSON document. Lines that do not start with "data: " are ignored, which lets
servers interleave ": heartbeat" comments.

Decoding is tolerant: an envelope or payload that fails to parse is dropped on its own and
decoding continues with the next line. One malformed line never ends a healthy stream.

	dec := wire.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		...
	}

The package holds no state beyond a Decoder's read buffer and needs no synchronization.
*/
package wire
