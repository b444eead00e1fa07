package checkpoints

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout of a checkpoint file. Equivalent .proto:
//
//	message Checkpoint {
//	  int64 epoch = 1;
//	  double learning_rate = 2;
//	  repeated Weight model_state = 3;
//	  OptimizerState optimizer_state = 4;
//	}
//	message Weight {
//	  string name = 1;
//	  repeated int64 shape = 2;
//	  repeated double data = 3;
//	}
//	message OptimizerState {
//	  string type = 1;
//	  int64 step = 2;
//	  repeated Param parameters = 3; // key = 1, value = 2
//	  repeated OptimizerTensor state_data = 4;
//	}
//	message OptimizerTensor {
//	  string name = 1;
//	  string state_type = 2;
//	  repeated int64 shape = 3;
//	  repeated double data = 4;
//	}
const (
	fieldEpoch          protowire.Number = 1
	fieldLearningRate   protowire.Number = 2
	fieldModelState     protowire.Number = 3
	fieldOptimizerState protowire.Number = 4

	fieldWeightName  protowire.Number = 1
	fieldWeightShape protowire.Number = 2
	fieldWeightData  protowire.Number = 3

	fieldOptType      protowire.Number = 1
	fieldOptStep      protowire.Number = 2
	fieldOptParams    protowire.Number = 3
	fieldOptStateData protowire.Number = 4

	fieldParamKey   protowire.Number = 1
	fieldParamValue protowire.Number = 2

	fieldTensorName      protowire.Number = 1
	fieldTensorStateType protowire.Number = 2
	fieldTensorShape     protowire.Number = 3
	fieldTensorData      protowire.Number = 4
)

func marshalProto(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(c.Epoch)))
	b = protowire.AppendTag(b, fieldLearningRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.LearningRate))
	for _, w := range c.ModelState {
		b = protowire.AppendTag(b, fieldModelState, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}
	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizerState(c.OptimizerState))
	}
	return b
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWeightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = appendPackedInts(b, fieldWeightShape, w.Shape)
	b = appendPackedDoubles(b, fieldWeightData, w.Data)
	return b
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOptType, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)
	b = protowire.AppendTag(b, fieldOptStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	for _, k := range sortedKeys(s.Parameters) {
		var p []byte
		p = protowire.AppendTag(p, fieldParamKey, protowire.BytesType)
		p = protowire.AppendString(p, k)
		p = protowire.AppendTag(p, fieldParamValue, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(s.Parameters[k]))
		b = protowire.AppendTag(b, fieldOptParams, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	for _, t := range s.StateData {
		var p []byte
		p = protowire.AppendTag(p, fieldTensorName, protowire.BytesType)
		p = protowire.AppendString(p, t.Name)
		p = protowire.AppendTag(p, fieldTensorStateType, protowire.BytesType)
		p = protowire.AppendString(p, t.StateType)
		p = appendPackedInts(p, fieldTensorShape, t.Shape)
		p = appendPackedDoubles(p, fieldTensorData, t.Data)
		b = protowire.AppendTag(b, fieldOptStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	p := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		p = protowire.AppendFixed64(p, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// fieldReader walks the fields of one message.
type fieldReader struct {
	b   []byte
	err error
}

// next returns the next field tag, or false at the end of the message or on error.
func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *fieldReader) expect(typ, want protowire.Type) bool {
	if r.err == nil && typ != want {
		r.err = errors.Errorf("unexpected wire type %d, want %d", typ, want)
	}
	return r.err == nil
}

func (r *fieldReader) varint(typ protowire.Type) uint64 {
	if !r.expect(typ, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) double(typ protowire.Type) float64 {
	if !r.expect(typ, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return math.Float64frombits(v)
}

func (r *fieldReader) bytes(typ protowire.Type) []byte {
	if !r.expect(typ, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.b = r.b[n:]
}

func (r *fieldReader) packedInts(typ protowire.Type) []int {
	p := r.bytes(typ)
	var out []int
	for r.err == nil && len(p) > 0 {
		v, n := protowire.ConsumeVarint(p)
		if n < 0 {
			r.err = protowire.ParseError(n)
			return nil
		}
		out = append(out, int(int64(v)))
		p = p[n:]
	}
	return out
}

func (r *fieldReader) packedDoubles(typ protowire.Type) []float64 {
	p := r.bytes(typ)
	if r.err != nil {
		return nil
	}
	if len(p)%8 != 0 {
		r.err = errors.Errorf("packed double field has %d bytes", len(p))
		return nil
	}
	out := make([]float64, 0, len(p)/8)
	for len(p) > 0 {
		v, n := protowire.ConsumeFixed64(p)
		if n < 0 {
			r.err = protowire.ParseError(n)
			return nil
		}
		out = append(out, math.Float64frombits(v))
		p = p[n:]
	}
	return out
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var haveEpoch, haveLR bool
	r := &fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldEpoch:
			c.Epoch = int(int64(r.varint(typ)))
			haveEpoch = true
		case fieldLearningRate:
			c.LearningRate = r.double(typ)
			haveLR = true
		case fieldModelState:
			w, err := unmarshalWeight(r.bytes(typ))
			if err != nil {
				r.err = err
			}
			c.ModelState = append(c.ModelState, w)
		case fieldOptimizerState:
			s, err := unmarshalOptimizerState(r.bytes(typ))
			if err != nil {
				r.err = err
			}
			c.OptimizerState = s
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, errors.Wrapf(ErrCheckpointCorrupt, "failed to decode checkpoint: %v", r.err)
	}
	if !haveEpoch {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "missing epoch")
	}
	if !haveLR {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "missing learning rate")
	}
	return c, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	r := &fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldWeightName:
			w.Name = string(r.bytes(typ))
		case fieldWeightShape:
			w.Shape = r.packedInts(typ)
		case fieldWeightData:
			w.Data = r.packedDoubles(typ)
		default:
			r.skip(num, typ)
		}
	}
	return w, r.err
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]float64)}
	r := &fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldOptType:
			s.Type = string(r.bytes(typ))
		case fieldOptStep:
			s.Step = int64(r.varint(typ))
		case fieldOptParams:
			k, v, err := unmarshalParam(r.bytes(typ))
			if err != nil {
				r.err = err
			}
			s.Parameters[k] = v
		case fieldOptStateData:
			t, err := unmarshalOptimizerTensor(r.bytes(typ))
			if err != nil {
				r.err = err
			}
			s.StateData = append(s.StateData, t)
		default:
			r.skip(num, typ)
		}
	}
	return s, r.err
}

func unmarshalParam(b []byte) (string, float64, error) {
	var (
		key   string
		value float64
	)
	r := &fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldParamKey:
			key = string(r.bytes(typ))
		case fieldParamValue:
			value = r.double(typ)
		default:
			r.skip(num, typ)
		}
	}
	return key, value, r.err
}

func unmarshalOptimizerTensor(b []byte) (OptimizerTensor, error) {
	var t OptimizerTensor
	r := &fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldTensorName:
			t.Name = string(r.bytes(typ))
		case fieldTensorStateType:
			t.StateType = string(r.bytes(typ))
		case fieldTensorShape:
			t.Shape = r.packedInts(typ)
		case fieldTensorData:
			t.Data = r.packedDoubles(typ)
		default:
			r.skip(num, typ)
		}
	}
	return t, r.err
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
