package memory

import (
	"testing"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	indextesting "github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &indextesting.StoreTestSuite{
		NewStore: func(*testing.T) index.SessionIndex { return New() },
	}
	suite.Run(t)
}
