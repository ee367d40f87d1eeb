package quipodb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/suite"
)

type OperatorsTestSuite struct {
	suite.Suite
}

func (s *OperatorsTestSuite) TestParseOperator() {
	for _, op := range []Operator{OpAdd, OpSubtract, OpMultiply, OpDivide, OpPush} {
		parsed, err := ParseOperator(op.Key())
		s.NoError(err)
		s.Equal(op, parsed)
	}

	_, err := ParseOperator("$inc")
	s.ErrorIs(err, ErrUnknownOperator{Name: "$inc"})
	s.EqualError(err, `unknown operator "$inc"`)
}

func (s *OperatorsTestSuite) TestArithmetic() {
	old := Document{"a": 10.0, "b": 4}
	operand := Document{"a": 2, "b": 2.0}

	s.Equal(Document{"a": 12.0, "b": 6.0}, Apply(OpAdd, old, operand))
	s.Equal(Document{"a": 8.0, "b": 2.0}, Apply(OpSubtract, old, operand))
	s.Equal(Document{"a": 20.0, "b": 8.0}, Apply(OpMultiply, old, operand))
	s.Equal(Document{"a": 5.0, "b": 2.0}, Apply(OpDivide, old, operand))
}

func (s *OperatorsTestSuite) TestArithmeticDropsUntouchedKeys() {
	old := Document{"balance": 100.0, "name": "Ada", "visits": 3.0}
	result := Apply(OpAdd, old, Document{"balance": 50.0})
	s.Equal(Document{"balance": 150.0}, result)
}

func (s *OperatorsTestSuite) TestArithmeticSkipsNonNumeric() {
	old := Document{"name": "Ada", "count": 1.0, "flag": true}
	result := Apply(OpAdd, old, Document{"name": 1.0, "count": "2", "flag": 1.0})
	s.Empty(result)
}

func (s *OperatorsTestSuite) TestArithmeticNested() {
	old := Document{
		"stats": map[string]any{"wins": 3.0, "losses": 1.0},
		"level": 2.0,
	}
	result := Apply(OpMultiply, old, Document{
		"stats": map[string]any{"wins": 2.0},
		"level": 10.0,
	})
	s.Equal(Document{
		"stats": map[string]any{"wins": 6.0},
		"level": 20.0,
	}, result)
}

func (s *OperatorsTestSuite) TestDivideByZero() {
	result := Apply(OpDivide, Document{"pos": 1.0, "neg": -1.0, "zero": 0.0}, Document{"pos": 0, "neg": 0, "zero": 0})
	s.True(math.IsInf(result["pos"].(float64), 1))
	s.True(math.IsInf(result["neg"].(float64), -1))
	s.True(math.IsNaN(result["zero"].(float64)))

	updated := applyUpdate(Document{"n": 4.0}, Document{"$divide": map[string]any{"n": 0}}, func(string, error) {})
	s.True(math.IsInf(updated["n"].(float64), 1))
}

func (s *OperatorsTestSuite) TestFoldLeftToRight() {
	result := Apply(OpSubtract, Document{"n": 10.0}, Document{"n": 3.0}, Document{"n": 2.0})
	s.Equal(Document{"n": 5.0}, result)
}

func (s *OperatorsTestSuite) TestInputsNotMutated() {
	old := Document{"tags": []any{"a"}, "n": 1.0, "nested": map[string]any{"x": 1.0}}
	operand := Document{"tags": []any{"b"}, "n": 1.0, "nested": map[string]any{"x": 1.0}}

	Apply(OpAdd, old, operand)
	Apply(OpPush, old, operand)

	s.Equal(Document{"tags": []any{"a"}, "n": 1.0, "nested": map[string]any{"x": 1.0}}, old)
	s.Equal(Document{"tags": []any{"b"}, "n": 1.0, "nested": map[string]any{"x": 1.0}}, operand)
}

func (s *OperatorsTestSuite) TestPushConcatenates() {
	d := Document{"arr": []any{"a", "b"}, "name": "list"}
	result := Apply(OpPush, d, Document{"arr": []any{"x"}})
	s.Equal([]any{"a", "b", "x"}, result["arr"])
	s.Equal("list", result["name"])
}

func (s *OperatorsTestSuite) TestPushDeepMerge() {
	d := Document{
		"profile": map[string]any{"tags": []any{1.0}, "name": "old"},
		"count":   1.0,
	}
	result := Apply(OpPush, d, Document{
		"profile": map[string]any{"tags": []any{2.0, 3.0}, "name": "new", "extra": true},
		"count":   5.0,
		"fresh":   []any{"z"},
	})
	s.Equal(Document{
		"profile": map[string]any{"tags": []any{1.0, 2.0, 3.0}, "name": "new", "extra": true},
		"count":   5.0,
		"fresh":   []any{"z"},
	}, result)
}

func (s *OperatorsTestSuite) TestPushScalarOntoArray() {
	result := Apply(OpPush, Document{"arr": []any{1.0}}, Document{"arr": 2.0})
	s.Equal([]any{1.0, 2.0}, result["arr"])
}

func (s *OperatorsTestSuite) TestApplyUpdateRoundTrip() {
	d := Document{"id": 1.0, "balance": 100.0, "score": 7.5, "name": "Ada"}
	o := Document{"balance": 50.0, "score": 0.25}

	added := applyUpdate(d, Document{"$add": map[string]any(o)}, s.noSkip)
	s.Equal(150.0, added["balance"])
	s.Equal("Ada", added["name"])

	back := applyUpdate(added, Document{"$subtract": map[string]any(o)}, s.noSkip)
	s.True(back.Equal(d), "round trip produced %v", back)
}

func (s *OperatorsTestSuite) TestApplyUpdateOrder() {
	stored := Document{"n": 2.0, "list": []any{}}
	update := Document{
		"$multiply": map[string]any{"n": 10.0},
		"$add":      map[string]any{"n": 1.0},
		"$push":     map[string]any{"list": []any{"done"}},
		"label":     "x",
	}

	result := applyUpdate(stored, update, s.noSkip)
	s.Equal(30.0, result["n"])
	s.Equal([]any{"done"}, result["list"])
	s.Equal("x", result["label"])
}

func (s *OperatorsTestSuite) TestApplyUpdateSkipsUnknown() {
	var skipped []string
	result := applyUpdate(Document{"n": 1.0}, Document{
		"$inc": map[string]any{"n": 1.0},
		"$add": 5.0,
	}, func(key string, err error) {
		skipped = append(skipped, key)
	})

	s.ElementsMatch([]string{"$inc", "$add"}, skipped)
	s.Equal(Document{"n": 1.0}, result)
}

func (s *OperatorsTestSuite) noSkip(key string, err error) {
	s.Failf("unexpected skip", "%s: %v", key, err)
}

func TestOperatorsTestSuite(t *testing.T) {
	suite.Run(t, new(OperatorsTestSuite))
}
