package discovery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTXTRecords(t *testing.T) {
	txt := TXTRecords([]string{"gpib0", "gpib0,1"})
	assert.Equal(t, []string{"proto=gpiblink", "devices=2", "names=gpib0;gpib0,1"}, txt)

	parsed := ParseTXT(txt)
	assert.Equal(t, "gpiblink", parsed["proto"])
	assert.Equal(t, "2", parsed["devices"])
}

func TestTXTRecordsCapsNames(t *testing.T) {
	var devices []string
	for i := 0; i < 31; i++ {
		devices = append(devices, fmt.Sprintf("gpib0,%d", i))
	}

	parsed := ParseTXT(TXTRecords(devices))
	assert.Equal(t, "31", parsed["devices"])
	assert.Equal(t, "gpib0,0;gpib0,1;gpib0,2;gpib0,3;gpib0,4;gpib0,5;gpib0,6;gpib0,7", parsed["names"])
}

func TestParseTXTWithoutValue(t *testing.T) {
	parsed := ParseTXT([]string{"flag", "k=v=w"})
	assert.Equal(t, "", parsed["flag"])
	assert.Equal(t, "v=w", parsed["k"])
}

func TestTXTRecordsEmpty(t *testing.T) {
	assert.Equal(t, []string{"proto=gpiblink", "devices=0"}, TXTRecords(nil))
}
