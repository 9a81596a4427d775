// Package plugin provides JavaScript converters for observed values.
//
// Converters are JavaScript files loaded from a directory at startup.
// Each file must define:
//   - A @converter directive naming the converter
//   - A convert(value) function returning the converted value
//
// Scripts may read other properties through props.get(key).
//
// Example converter:
//
//	// @converter celsius
//	function convert(value) {
//	    var offset = props.get("sensor.offset") || 0;
//	    return { celsius: (value.raw - 32) * 5 / 9 + offset };
//	}
package plugin
