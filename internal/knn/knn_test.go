package knn

import (
	"errors"
	"testing"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/testutil/testlog"
)

func cluster(center uint16, n int) [][8]uint16 {
	out := make([][8]uint16, n)
	for i := range out {
		for j := range out[i] {
			out[i][j] = center + uint16(i%3)
		}
	}
	return out
}

func TestClassifyUntrainedReturnsZero(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())
	label, conf, err := c.Classify([8]uint16{1, 2, 3})
	if err != nil || label != 0 || conf != 0 {
		t.Fatalf("got label=%d conf=%v err=%v want 0/0/nil", label, conf, err)
	}
}

func TestClassifyNearestCluster(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig()).WithSeed(1)
	var samples [][8]uint16
	var labels []int
	for _, l := range []int{1, 4, 8} {
		rows := cluster(uint16(l*1000), 20)
		samples = append(samples, rows...)
		for range rows {
			labels = append(labels, l)
		}
	}
	if err := c.Train(samples, labels); err != nil {
		t.Fatalf("train: %v", err)
	}
	label, conf, err := c.Classify([8]uint16{4010, 4010, 4010, 4010, 4010, 4010, 4010, 4010})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if label != 4 || conf != 1 {
		t.Fatalf("got label=%d conf=%v want 4/1", label, conf)
	}
}

func TestClassifyConfidenceIsVoteShare(t *testing.T) {
	testlog.Start(t)
	c := New(Config{K: 5, MaxSamples: 100})
	samples := [][8]uint16{
		{10, 10, 10, 10, 10, 10, 10, 10},
		{11, 11, 11, 11, 11, 11, 11, 11},
		{12, 12, 12, 12, 12, 12, 12, 12},
		{13, 13, 13, 13, 13, 13, 13, 13},
		{14, 14, 14, 14, 14, 14, 14, 14},
		{9000, 9000, 9000, 9000, 9000, 9000, 9000, 9000},
	}
	labels := []int{2, 2, 2, 7, 7, 7}
	if err := c.Train(samples, labels); err != nil {
		t.Fatalf("train: %v", err)
	}
	label, conf, _ := c.Classify([8]uint16{})
	if label != 2 || conf != 0.6 {
		t.Fatalf("got label=%d conf=%v want 2/0.6", label, conf)
	}
}

func TestTrainCapsSamplesPerLabel(t *testing.T) {
	testlog.Start(t)
	c := New(Config{K: 3, MaxSamples: 10}).WithSeed(7)
	samples := cluster(100, 40)
	labels := make([]int, 40)
	for i := range labels {
		labels[i] = i % 2
	}
	labels = append(labels, 42)
	samples = append(samples, [8]uint16{})
	if err := c.Train(samples, labels); err != nil {
		t.Fatalf("train: %v", err)
	}
	if got := c.Len(); got != 20 {
		t.Fatalf("points got=%d want=20", got)
	}
	if err := c.Train(samples, labels[:3]); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err got=%v want=%v", err, ErrLengthMismatch)
	}
}
